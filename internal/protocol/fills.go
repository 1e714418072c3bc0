package protocol

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/identity"
	"go.uber.org/zap"
)

// FetchFills pulls the wallet's fills of round from the hub and applies every fill signed by the
// operator to the ledger. Rejected fills are skipped. It returns the number of applied fills and
// advances lastFillRound to round.
func (e *Engine) FetchFills(ctx context.Context, round uint64) (int, error) {
	fills, err := e.transport.FetchFills(ctx, e.wallet, round)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, fill := range fills {
		if err := e.verifyFill(fill, round); err != nil {
			e.logger.Warn("rejected fill",
				zap.Uint64("fillId", fill.FillID),
				zap.Uint64("round", round),
				zap.Error(err))
			e.publish(events.Outcome{Kind: events.KindFillRejected, Round: round, Reason: err.Error()})
			continue
		}
		if err := e.ledger.InsertFill(fill); err != nil {
			e.logger.Warn("failed to insert fill", zap.Uint64("fillId", fill.FillID), zap.Error(err))
			continue
		}
		applied++
	}

	err = e.advanceCursor(func(rec *domain.AccountRecord) bool {
		if round <= rec.LastFillRound {
			return false
		}
		rec.LastFillRound = round
		return true
	})
	if err != nil {
		return applied, err
	}

	e.logger.Info("fills synced", zap.Uint64("round", round), zap.Int("applied", applied), zap.Int("received", len(fills)))
	e.publish(events.Outcome{Kind: events.KindFillsSynced, Round: round, Count: applied})
	return applied, nil
}

func (e *Engine) verifyFill(fill domain.SignedFill, round uint64) error {
	if fill.ClientAddress != e.wallet {
		return errors.Errorf("fill %d belongs to %s", fill.FillID, fill.ClientAddress.Hex())
	}
	if fill.Round != round {
		return errors.Errorf("fill %d is for round %d", fill.FillID, fill.Round)
	}
	// the digest covers integer amounts only, so anything else is not what the operator signed
	if !domain.ValidAmount(fill.Buy.Amount) || !domain.ValidAmount(fill.Sell.Amount) {
		return errors.Wrapf(domain.ErrInvalidAmount, "fill %d trades %s for %s",
			fill.FillID, fill.Buy.Amount, fill.Sell.Amount)
	}
	digest, err := fill.Digest()
	if err != nil {
		return err
	}
	return identity.VerifySigner(digest, fill.Signature, e.operator)
}
