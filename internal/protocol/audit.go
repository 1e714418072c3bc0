package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"go.uber.org/zap"
)

// Audit checks the operator's solvency proofs for round against the local ledger and the
// mediator. It is all-or-nothing: the first failing asset aborts the audit and opens a
// dispute. Transport and chain read failures are returned without a dispute.
func (e *Engine) Audit(ctx context.Context, round uint64) error {
	if round == 0 {
		return domain.ErrAuditRoundZero
	}

	tokens, err := e.mediator.RegisteredTokens(ctx)
	if err != nil {
		return errors.Wrap(err, "read registered tokens")
	}
	proofs, err := e.transport.Audit(ctx, e.wallet, round)
	if err != nil {
		return err
	}

	if err := e.saveProofs(round, proofs); err != nil {
		return err
	}
	if err := e.checkProofsArray(round, tokens, proofs); err != nil {
		return e.auditFailed(ctx, round, err)
	}

	for i, asset := range tokens {
		if err := e.auditAsset(ctx, round, asset, proofs[i]); err != nil {
			var auditErr *domain.AuditError
			if errors.As(err, &auditErr) {
				return e.auditFailed(ctx, round, err)
			}
			return err
		}
	}

	err = e.advanceCursor(func(rec *domain.AccountRecord) bool {
		if round <= rec.LastAuditRound {
			return false
		}
		rec.LastAuditRound = round
		return true
	})
	if err != nil {
		return err
	}

	e.logger.Info("audit completed", zap.Uint64("round", round), zap.Int("assets", len(tokens)))
	e.publish(events.Outcome{Kind: events.KindAuditCompleted, Round: round, Count: len(tokens)})
	return nil
}

// saveProofs persists every fetched proof issued to this wallet for round, whatever the audit
// outcome. A proof naming another wallet or round would overwrite an unrelated entry and is skipped.
func (e *Engine) saveProofs(round uint64, proofs []domain.Proof) error {
	for _, p := range proofs {
		if p.ClientAddress != e.wallet || p.Round != round {
			continue
		}
		if err := e.proofs.Save(p); err != nil {
			return errors.Wrapf(err, "save proof for %s", p.TokenAddress.Hex())
		}
	}
	return nil
}

// checkProofsArray requires one proof per registered asset.
func (e *Engine) checkProofsArray(round uint64, tokens []common.Address, proofs []domain.Proof) error {
	if len(proofs) != len(tokens) {
		return &domain.AuditError{
			Round:  round,
			Reason: domain.AuditFailureProofCount,
			Err:    errors.Wrapf(domain.ErrProofCountMismatch, "got %d proofs for %d assets", len(proofs), len(tokens)),
		}
	}
	return nil
}

func (e *Engine) proofMatches(p domain.Proof, asset common.Address, round uint64) bool {
	return p.TokenAddress == asset && p.ClientAddress == e.wallet && p.Round == round
}

// auditAsset validates one proof: identity, opening balance, then the on-chain Merkle check.
func (e *Engine) auditAsset(ctx context.Context, round uint64, asset common.Address, p domain.Proof) error {
	if !e.proofMatches(p, asset, round) {
		return &domain.AuditError{
			Round:  round,
			Asset:  asset,
			Reason: domain.AuditFailureProofIdentity,
			Err: errors.Wrapf(domain.ErrProofIdentity, "proof for token %s client %s round %d",
				p.TokenAddress.Hex(), p.ClientAddress.Hex(), p.Round),
		}
	}

	opening, err := e.ledger.OpeningBalance(asset, e.wallet, round)
	if err != nil {
		return errors.Wrap(err, "compute opening balance")
	}
	if !p.ClientOpeningBalance.Equal(opening) {
		return &domain.AuditError{
			Round:  round,
			Asset:  asset,
			Reason: domain.AuditFailureOpeningBalance,
			Err: errors.Wrapf(domain.ErrOpeningBalance, "operator claims %s, ledger has %s",
				p.ClientOpeningBalance, opening),
		}
	}

	valid, err := e.mediator.IsProofValid(ctx, p, round)
	if err != nil {
		return errors.Wrap(err, "check proof on chain")
	}
	if !valid {
		return &domain.AuditError{Round: round, Asset: asset, Reason: domain.AuditFailureProofInvalid, Err: domain.ErrProofInvalid}
	}

	return nil
}

// auditFailed reports the failure and opens a dispute. It returns cause.
func (e *Engine) auditFailed(ctx context.Context, round uint64, cause error) error {
	o := events.Outcome{Kind: events.KindAuditFailed, Round: round, Reason: cause.Error()}
	var auditErr *domain.AuditError
	if errors.As(cause, &auditErr) {
		o.Asset = auditErr.Asset
		o.Reason = string(auditErr.Reason)
	}
	e.logger.Error("audit failed", zap.Uint64("round", round), zap.Error(cause))
	e.publish(o)

	tx, err := e.OpenBalanceDispute(ctx, round)
	if err != nil {
		e.logger.Error("failed to open dispute", zap.Uint64("round", round), zap.Error(err))
		e.publish(events.Outcome{Kind: events.KindDisputeFailed, Round: round, Reason: err.Error()})
		return cause
	}

	e.logger.Warn("dispute opened", zap.Uint64("round", round), zap.String("tx", tx.Hex()))
	e.publish(events.Outcome{Kind: events.KindDisputeOpened, Round: round, TxHash: tx})
	return cause
}
