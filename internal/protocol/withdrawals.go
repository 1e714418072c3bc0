package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"go.uber.org/zap"
)

// withdrawalSweepStart first round at which the scheduled sweep confirms withdrawals.
const withdrawalSweepStart = 4

// Withdraw requests a withdrawal of amount backed by the proof of the previous round.
func (e *Engine) Withdraw(ctx context.Context, asset common.Address, amount decimal.Decimal) (common.Hash, error) {
	if err := e.requireConnected(); err != nil {
		return common.Hash{}, err
	}
	if !domain.ValidAmount(amount) {
		return common.Hash{}, domain.ErrInvalidAmount
	}

	halted, err := e.mediator.IsHalted(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read halted flag")
	}
	if halted {
		return common.Hash{}, domain.ErrMediatorHalted
	}

	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read current round")
	}
	if round == 0 {
		return common.Hash{}, errors.Wrap(domain.ErrMissingProof, "no proof exists before round 1")
	}
	proof, ok, err := e.proofs.Get(asset, round-1)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, errors.Wrapf(domain.ErrMissingProof, "asset %s round %d", asset.Hex(), round-1)
	}

	balance, err := e.ledger.Balance(asset, e.wallet, round)
	if err != nil {
		return common.Hash{}, err
	}
	if amount.GreaterThan(balance) {
		return common.Hash{}, errors.Wrapf(domain.ErrInsufficientFunds, "balance %s, requested %s", balance, amount)
	}

	tx, err := e.mediator.InitiateWithdrawal(ctx, proof, amount)
	if err != nil {
		return tx, errors.Wrap(err, "initiate withdrawal")
	}
	if err := e.ledger.RecordWithdrawal(asset, e.wallet, round, amount, tx); err != nil {
		return tx, errors.Wrap(err, "record withdrawal")
	}

	e.logger.Info("withdrawal requested",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("round", round),
		zap.String("tx", tx.Hex()))
	return tx, nil
}

// ConfirmWithdrawal completes the active withdrawal in asset once its round is withdrawable.
// It returns ErrNoActiveWithdrawal or ErrPrematureWithdrawal when there is nothing to confirm yet.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, asset common.Address) (common.Hash, error) {
	requested, err := e.mediator.ActiveWithdrawalRound(ctx, asset, e.wallet)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read active withdrawal")
	}
	if requested == 0 {
		return common.Hash{}, domain.ErrNoActiveWithdrawal
	}

	round, quarter, err := e.readClock(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	halted, err := e.mediator.IsHalted(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read halted flag")
	}

	withdrawable, ok := domain.WithdrawableRound(round, quarter, halted)
	if !ok || withdrawable < requested {
		return common.Hash{}, errors.Wrapf(domain.ErrPrematureWithdrawal,
			"requested at round %d, withdrawable up to %d", requested, withdrawable)
	}

	amount, err := e.mediator.RequestedWithdrawalAmount(ctx, requested, asset, e.wallet)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read requested amount")
	}
	tx, err := e.mediator.ConfirmWithdrawal(ctx, asset)
	if err != nil {
		return tx, errors.Wrap(err, "confirm withdrawal")
	}
	if err := e.ledger.ConfirmWithdrawal(asset, e.wallet, requested, amount, tx); err != nil {
		return tx, errors.Wrap(err, "record confirmation")
	}

	e.logger.Info("withdrawal confirmed",
		zap.String("asset", asset.Hex()),
		zap.Uint64("requestRound", requested),
		zap.String("tx", tx.Hex()))
	e.publish(events.Outcome{Kind: events.KindWithdrawalConfirmed, Round: requested, Asset: asset, TxHash: tx})
	return tx, nil
}

// sweepWithdrawals tries to confirm a withdrawal in every registered asset. Timing conditions
// are expected and skipped.
func (e *Engine) sweepWithdrawals(ctx context.Context, round uint64) error {
	if round < withdrawalSweepStart {
		return nil
	}

	tokens, err := e.mediator.RegisteredTokens(ctx)
	if err != nil {
		return errors.Wrap(err, "read registered tokens")
	}

	for _, asset := range tokens {
		_, err := e.ConfirmWithdrawal(ctx, asset)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNoActiveWithdrawal), errors.Is(err, domain.ErrPrematureWithdrawal):
			e.logger.Debug("nothing to confirm", zap.String("asset", asset.Hex()), zap.Error(err))
		default:
			e.logger.Error("failed to confirm withdrawal", zap.String("asset", asset.Hex()), zap.Error(err))
		}
	}
	return nil
}

// RecoverFunds reclaims the wallet's funds in asset from a halted mediator. With a proof of
// round-2 the proven off-chain balance is recovered too, otherwise only on-chain deposits.
func (e *Engine) RecoverFunds(ctx context.Context, asset common.Address) (common.Hash, error) {
	recovered, err := e.ledger.IsRecovered(asset, e.wallet)
	if err != nil {
		return common.Hash{}, err
	}
	if recovered {
		return common.Hash{}, errors.Wrapf(domain.ErrAlreadyRecovered, "asset %s", asset.Hex())
	}

	halted, err := e.mediator.IsHalted(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read halted flag")
	}
	if !halted {
		return common.Hash{}, domain.ErrMediatorNotHalted
	}

	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read current round")
	}

	var (
		proof domain.Proof
		found bool
	)
	if round >= 2 {
		if proof, found, err = e.proofs.Get(asset, round-2); err != nil {
			return common.Hash{}, err
		}
	}

	var tx common.Hash
	if found {
		tx, err = e.mediator.RecoverAllFunds(ctx, proof)
	} else {
		tx, err = e.mediator.RecoverOnChainFundsOnly(ctx, asset)
	}
	if err != nil {
		return tx, errors.Wrapf(err, "recover funds in %s", asset.Hex())
	}

	if err := e.ledger.MarkRecovered(asset, e.wallet, tx); err != nil {
		return tx, errors.Wrap(err, "mark recovered")
	}

	e.logger.Info("funds recovered",
		zap.String("asset", asset.Hex()),
		zap.Bool("withProof", found),
		zap.String("tx", tx.Hex()))
	e.publish(events.Outcome{Kind: events.KindRecoveryCompleted, Round: round, Asset: asset, TxHash: tx})
	return tx, nil
}

// HandleHalted reacts to the mediator halting by recovering funds in every registered asset.
func (e *Engine) HandleHalted(ctx context.Context, round uint64) {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()

	e.logger.Warn("mediator halted", zap.Uint64("round", round))
	e.publish(events.Outcome{Kind: events.KindHalted, Round: round})

	if err := e.RecoverAll(ctx); err != nil {
		e.logger.Error("halt recovery incomplete", zap.Uint64("round", round), zap.Error(err))
	}
}

// RecoverAll recovers the wallet's funds in every registered asset of a halted mediator. Assets
// recovered earlier are skipped, so it is safe to call again after a partial failure.
func (e *Engine) RecoverAll(ctx context.Context) error {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	tokens, err := e.mediator.RegisteredTokens(ctx)
	if err != nil {
		e.publish(events.Outcome{Kind: events.KindRecoveryFailed, Reason: err.Error()})
		return errors.Wrap(err, "read registered tokens")
	}

	var (
		failed   int
		firstErr error
	)
	for _, asset := range tokens {
		if _, err := e.RecoverFunds(ctx, asset); err != nil {
			if errors.Is(err, domain.ErrAlreadyRecovered) {
				continue
			}
			e.logger.Error("failed to recover funds", zap.String("asset", asset.Hex()), zap.Error(err))
			e.publish(events.Outcome{Kind: events.KindRecoveryFailed, Asset: asset, Reason: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
	}
	if failed > 0 {
		return errors.Wrapf(firstErr, "%d of %d assets not recovered", failed, len(tokens))
	}
	return nil
}
