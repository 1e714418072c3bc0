package protocol

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
)

// OpenBalanceDispute challenges the operator after a failed audit of round. The dispute carries
// the proofs and fills of round-1, the last round known to be honest. It is submitted once and
// never retried.
func (e *Engine) OpenBalanceDispute(ctx context.Context, round uint64) (common.Hash, error) {
	halted, err := e.mediator.IsHalted(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "read halted flag")
	}
	if halted {
		return common.Hash{}, domain.ErrMediatorHalted
	}

	d, err := e.buildDispute(round)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := e.mediator.OpenDispute(ctx, d)
	if err != nil {
		return tx, errors.Wrapf(err, "open dispute for round %d", round)
	}
	return tx, nil
}

// buildDispute assembles the dispute payload. Fills are ordered by fill id so the payload
// only depends on the stored data.
func (e *Engine) buildDispute(round uint64) (domain.Dispute, error) {
	if round == 0 {
		return domain.Dispute{}, domain.ErrAuditRoundZero
	}
	prev := round - 1

	proofs, err := e.proofs.ForRound(prev)
	if err != nil {
		return domain.Dispute{}, errors.Wrapf(err, "load proofs of round %d", prev)
	}
	stored, err := e.ledger.Fills(e.wallet, prev)
	if err != nil {
		return domain.Dispute{}, errors.Wrapf(err, "load fills of round %d", prev)
	}

	fills := make([]domain.SignedFill, len(stored))
	copy(fills, stored)
	sort.Slice(fills, func(i, j int) bool { return fills[i].FillID < fills[j].FillID })

	sigs := make([][]byte, len(fills))
	for i, f := range fills {
		sigs[i] = f.Signature
	}

	return domain.Dispute{
		Proofs:        proofs,
		Fills:         fills,
		Signatures:    sigs,
		Authorization: e.accountRecord().Authorization,
	}, nil
}
