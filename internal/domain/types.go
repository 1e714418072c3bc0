package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Intent how an approval may be filled.
type Intent string

const (
	IntentBuyAll  Intent = "buyAll"
	IntentSellAll Intent = "sellAll"
)

// Valid reports whether the intent is known.
func (i Intent) Valid() bool {
	return i == IntentBuyAll || i == IntentSellAll
}

func (i Intent) code() uint8 {
	if i == IntentSellAll {
		return 1
	}
	return 0
}

// Leg one side of an approval or a fill.
type Leg struct {
	// Asset token address; the zero address is the native asset.
	Asset common.Address `json:"asset"`
	// Amount in base units of the asset.
	Amount decimal.Decimal `json:"amount"`
}

// ValidAmount reports whether d is a positive whole number of base units. Only such amounts
// convert to their on-chain integer form without loss.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(0))
}

// Approval client-signed order intent.
type Approval struct {
	ID         string         `json:"approvalId"`
	Round      uint64         `json:"round"`
	Buy        Leg            `json:"buy"`
	Sell       Leg            `json:"sell"`
	Intent     Intent         `json:"intent"`
	Owner      common.Address `json:"owner"`
	InstanceID common.Address `json:"instanceId"`
}

// SignedApproval approval together with the owner's signature over Approval.Digest.
type SignedApproval struct {
	Approval
	Signature hexutil.Bytes `json:"signature"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// SignedFill operator-signed record that (part of) an approval executed.
type SignedFill struct {
	FillID        uint64         `json:"fillId"`
	ApprovalID    string         `json:"approvalId"`
	Round         uint64         `json:"round"`
	Buy           Leg            `json:"buy"`
	Sell          Leg            `json:"sell"`
	ClientAddress common.Address `json:"clientAddress"`
	InstanceID    common.Address `json:"instanceId"`
	Signature     hexutil.Bytes  `json:"signature"`
}

// MerklePath sibling hashes from leaf to root; bit i of Trail is set when the
// sibling at height i is on the left.
type MerklePath struct {
	Siblings []common.Hash `json:"siblings"`
	Trail    uint64        `json:"trail"`
}

// Proof operator-issued solvency proof of a client's opening balance for one asset and round.
type Proof struct {
	TokenAddress         common.Address  `json:"tokenAddress"`
	ClientAddress        common.Address  `json:"clientAddress"`
	ClientOpeningBalance decimal.Decimal `json:"clientOpeningBalance"`
	Round                uint64          `json:"round"`
	Path                 MerklePath      `json:"path"`
}

// WithdrawalRequest withdrawal initiated on the mediator.
type WithdrawalRequest struct {
	Asset  common.Address  `json:"asset"`
	Wallet common.Address  `json:"wallet"`
	Amount decimal.Decimal `json:"amount"`
	Round  uint64          `json:"round"`
}

// AuthorizationMessage operator-signed permission for a client to trade.
type AuthorizationMessage struct {
	Client    common.Address `json:"client"`
	Round     uint64         `json:"round"`
	Signature hexutil.Bytes  `json:"signature"`
}

// AccountRecord durable per-wallet cursor.
type AccountRecord struct {
	Wallet         common.Address       `json:"wallet"`
	RoundJoined    uint64               `json:"roundJoined"`
	LastFillRound  uint64               `json:"lastFillRound"`
	LastAuditRound uint64               `json:"lastAuditRound"`
	Authorization  AuthorizationMessage `json:"authorization"`
}

// Dispute fraud proof submitted to the mediator. Fills and Signatures are index aligned.
type Dispute struct {
	Proofs        []Proof
	Fills         []SignedFill
	Signatures    [][]byte
	Authorization AuthorizationMessage
}

// Status snapshot of an engine instance.
type Status struct {
	Wallet         common.Address `json:"wallet"`
	Connected      bool           `json:"connected"`
	Round          uint64         `json:"round"`
	Quarter        Quarter        `json:"quarter"`
	Halted         bool           `json:"halted"`
	RoundJoined    uint64         `json:"roundJoined"`
	LastFillRound  uint64         `json:"lastFillRound"`
	LastAuditRound uint64         `json:"lastAuditRound"`
	RoundSize      uint64         `json:"roundSize"`
	CreationBlock  uint64         `json:"creationBlock"`
	LastBlock      uint64         `json:"lastBlock"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
