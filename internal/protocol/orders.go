package protocol

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"go.uber.org/zap"
)

// Deposit moves amount of asset into the mediator and credits it in the ledger.
func (e *Engine) Deposit(ctx context.Context, asset common.Address, amount decimal.Decimal) (common.Hash, error) {
	if err := e.requireAuthorized(); err != nil {
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

	tx, err := e.mediator.Deposit(ctx, asset, amount)
	if err != nil {
		return tx, errors.Wrap(err, "deposit")
	}

	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return tx, errors.Wrap(err, "read current round")
	}
	if err := e.ledger.CreditDeposit(asset, e.wallet, round, amount, tx); err != nil {
		return tx, errors.Wrap(err, "credit deposit")
	}

	e.logger.Info("deposited",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("round", round),
		zap.String("tx", tx.Hex()))
	return tx, nil
}

// CreateOrder signs an approval to sell up to sell for buy and submits it to the hub.
func (e *Engine) CreateOrder(ctx context.Context, buy, sell domain.Leg, intent domain.Intent) (domain.SignedApproval, error) {
	if err := e.requireAuthorized(); err != nil {
		return domain.SignedApproval{}, err
	}
	if !intent.Valid() {
		return domain.SignedApproval{}, errors.Errorf("unknown intent %q", intent)
	}
	if !domain.ValidAmount(buy.Amount) || !domain.ValidAmount(sell.Amount) {
		return domain.SignedApproval{}, domain.ErrInvalidAmount
	}

	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return domain.SignedApproval{}, errors.Wrap(err, "read current round")
	}
	balance, err := e.ledger.Balance(sell.Asset, e.wallet, round)
	if err != nil {
		return domain.SignedApproval{}, err
	}
	if sell.Amount.GreaterThan(balance) {
		return domain.SignedApproval{}, errors.Wrapf(domain.ErrInsufficientFunds,
			"balance %s, selling %s", balance, sell.Amount)
	}

	approval := domain.Approval{
		ID:         uuid.NewString(),
		Round:      round,
		Buy:        buy,
		Sell:       sell,
		Intent:     intent,
		Owner:      e.wallet,
		InstanceID: e.mediator.Address(),
	}
	digest, err := approval.Digest()
	if err != nil {
		return domain.SignedApproval{}, err
	}
	sig, err := e.identity.Sign(digest)
	if err != nil {
		return domain.SignedApproval{}, err
	}
	signed := domain.SignedApproval{Approval: approval, Signature: sig}

	if err := e.transport.CreateOrder(ctx, signed); err != nil {
		return domain.SignedApproval{}, err
	}
	if err := e.ledger.InsertApproval(signed); err != nil {
		return signed, errors.Wrap(err, "record approval")
	}

	e.logger.Info("order created", zap.String("approvalId", approval.ID), zap.Uint64("round", round))
	return signed, nil
}

// CancelOrder cancels an approval and re-syncs the fills of the current round so that a fill
// racing the cancellation is reflected in the ledger.
func (e *Engine) CancelOrder(ctx context.Context, approvalID string) error {
	if err := e.requireConnected(); err != nil {
		return err
	}

	approval, ok, err := e.ledger.Approval(approvalID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(domain.ErrMissingApproval, "approval %s", approvalID)
	}
	if approval.Cancelled {
		return nil
	}

	sig, err := e.identity.Sign(domain.CancelDigest(approvalID))
	if err != nil {
		return err
	}
	if err := e.transport.CancelOrder(ctx, approvalID, sig); err != nil {
		return err
	}
	if err := e.ledger.CancelApproval(approvalID); err != nil {
		return errors.Wrap(err, "record cancellation")
	}

	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return errors.Wrap(err, "read current round")
	}
	if _, err := e.FetchFills(ctx, round); err != nil {
		e.logger.Warn("failed to sync fills after cancel", zap.String("approvalId", approvalID), zap.Error(err))
	}

	e.logger.Info("order cancelled", zap.String("approvalId", approvalID))
	return nil
}

// requireAuthorized checks the wallet joined and holds the operator's authorization.
func (e *Engine) requireAuthorized() error {
	if err := e.requireConnected(); err != nil {
		return err
	}
	if len(e.accountRecord().Authorization.Signature) == 0 {
		return domain.ErrAuthorizationInvalid
	}
	return nil
}
