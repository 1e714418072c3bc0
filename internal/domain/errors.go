package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrAuthorizationInvalid = errors.New("authorization invalid")
	ErrAuditRoundZero       = errors.New("no proof exists for round 0")
	ErrProofCountMismatch   = errors.New("proof count does not match registered assets")
	ErrProofIdentity        = errors.New("proof token or client address mismatch")
	ErrOpeningBalance       = errors.New("proof opening balance differs from ledger")
	ErrProofInvalid         = errors.New("proof rejected by mediator")
	ErrNoActiveWithdrawal   = errors.New("no active withdrawal")
	ErrPrematureWithdrawal  = errors.New("premature withdrawal")
	ErrMediatorHalted       = errors.New("mediator is halted")
	ErrMediatorNotHalted    = errors.New("mediator is not halted")
	ErrMediatorMismatch     = errors.New("operator advertises a different mediator")
	ErrMissingProof         = errors.New("missing proof")
	ErrMissingApproval      = errors.New("missing approval")
	ErrAlreadyRecovered     = errors.New("funds already recovered")
	ErrNotConnected         = errors.New("client is not joined")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("amount must be a positive whole number of base units")
)

// AuditFailure reason an audit was rejected.
type AuditFailure string

const (
	AuditFailureProofCount     AuditFailure = "proof-count"
	AuditFailureProofIdentity  AuditFailure = "proof-identity"
	AuditFailureOpeningBalance AuditFailure = "opening-balance"
	AuditFailureProofInvalid   AuditFailure = "proof-invalid"
)

// AuditError a failed audit of one round. It unwraps to the sentinel describing the reason.
type AuditError struct {
	Round  uint64
	Asset  common.Address
	Reason AuditFailure
	Err    error
}

func (e *AuditError) Error() string {
	if e.Asset == (common.Address{}) && e.Reason == AuditFailureProofCount {
		return fmt.Sprintf("audit of round %d failed (%s): %v", e.Round, e.Reason, e.Err)
	}
	return fmt.Sprintf("audit of round %d failed for asset %s (%s): %v", e.Round, e.Asset.Hex(), e.Reason, e.Err)
}

func (e *AuditError) Unwrap() error {
	return e.Err
}
