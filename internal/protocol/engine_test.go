package protocol

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/identity"
)

func TestJoin_CreatesAccount(t *testing.T) {
	h := newHarness(t)
	h.join(t, 5, domain.QuarterTwo)

	rec, ok, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), rec.RoundJoined)
	assert.Equal(t, uint64(5), rec.LastFillRound)
	assert.Equal(t, uint64(5), rec.LastAuditRound)
	assert.Equal(t, h.wallet(), rec.Authorization.Client)

	status := h.engine.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, uint64(5), status.Round)
	assert.Equal(t, domain.QuarterTwo, status.Quarter)
	assert.Equal(t, uint64(40), status.RoundSize)
	assert.Equal(t, uint64(100), status.CreationBlock)

	require.NoError(t, h.engine.Join(context.Background()))
	h.transport.AssertNumberOfCalls(t, "Mediator", 1)
	h.transport.AssertNumberOfCalls(t, "Join", 1)
}

func TestJoin_MediatorMismatch(t *testing.T) {
	h := newHarness(t)
	h.mediator.setClock(5, domain.QuarterTwo)
	h.transport.On("Mediator").Return(common.HexToAddress("0xee"), nil)

	err := h.engine.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrMediatorMismatch)

	_, ok, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, h.engine.Status().Connected)
}

func TestJoin_MediatorHalted(t *testing.T) {
	h := newHarness(t)
	h.mediator.setHalted(true)
	h.transport.On("Mediator").Return(mediatorAddr, nil)

	err := h.engine.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrMediatorHalted)
	h.transport.AssertNotCalled(t, "Join", h.wallet())
}

func TestJoin_RejectsForgedAuthorization(t *testing.T) {
	h := newHarness(t)
	h.mediator.setClock(5, domain.QuarterTwo)
	h.transport.On("Mediator").Return(mediatorAddr, nil)

	digest, err := domain.AuthorizationDigest(h.wallet(), 5)
	require.NoError(t, err)
	forged, err := h.client.Sign(digest)
	require.NoError(t, err)
	h.transport.On("Join", h.wallet()).Return(domain.AuthorizationMessage{Client: h.wallet(), Round: 5, Signature: forged}, nil)

	err = h.engine.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, ok, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.False(t, ok, "failed join must not persist an account")
	assert.False(t, h.engine.Status().Connected)
}

func TestJoin_RejectsAuthorizationForOtherClient(t *testing.T) {
	h := newHarness(t)
	h.mediator.setClock(5, domain.QuarterTwo)
	h.transport.On("Mediator").Return(mediatorAddr, nil)

	auth := h.authorization(t, 5)
	auth.Client = common.HexToAddress("0xc2")
	h.transport.On("Join", h.wallet()).Return(auth, nil)

	err := h.engine.Join(context.Background())
	require.ErrorIs(t, err, domain.ErrAuthorizationInvalid)
}

func TestJoin_ResumesAndCatchesUp(t *testing.T) {
	h := newHarness(t)
	h.mediator.tokens = []common.Address{usdc}
	h.mediator.setClock(6, domain.QuarterAudit)

	require.NoError(t, h.accounts.Save(domain.AccountRecord{
		Wallet:         h.wallet(),
		RoundJoined:    2,
		LastFillRound:  3,
		LastAuditRound: 3,
		Authorization:  h.authorization(t, 2),
	}))

	h.transport.On("Mediator").Return(mediatorAddr, nil)
	for _, r := range []uint64{3, 4, 5} {
		h.transport.On("FetchFills", r).Return([]domain.SignedFill(nil), nil)
	}
	for _, r := range []uint64{4, 5, 6} {
		h.transport.On("Audit", r).Return([]domain.Proof{h.proof(usdc, r, 0)}, nil)
	}

	require.NoError(t, h.engine.Join(context.Background()))

	h.transport.AssertNotCalled(t, "Join", h.wallet())
	h.transport.AssertNumberOfCalls(t, "FetchFills", 3)
	h.transport.AssertNumberOfCalls(t, "Audit", 3)

	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.RoundJoined)
	assert.Equal(t, uint64(5), rec.LastFillRound)
	assert.Equal(t, uint64(6), rec.LastAuditRound)
}

func TestJoin_CatchUpStopsAtFailedAudit(t *testing.T) {
	h := newHarness(t)
	h.mediator.tokens = []common.Address{usdc}
	h.mediator.setClock(6, domain.QuarterAudit)

	require.NoError(t, h.accounts.Save(domain.AccountRecord{
		Wallet:         h.wallet(),
		RoundJoined:    3,
		LastFillRound:  5,
		LastAuditRound: 3,
		Authorization:  h.authorization(t, 3),
	}))

	h.transport.On("Mediator").Return(mediatorAddr, nil)
	h.transport.On("FetchFills", uint64(5)).Return([]domain.SignedFill(nil), nil)
	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{h.proof(usdc, 4, 0)}, nil)
	h.transport.On("Audit", uint64(5)).Return([]domain.Proof{h.proof(usdc, 5, 7)}, nil)

	require.NoError(t, h.engine.Join(context.Background()))

	h.transport.AssertNotCalled(t, "Audit", uint64(6))
	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.LastAuditRound)
	assert.Len(t, h.mediator.disputes, 1)
}

func TestFetchFills_SkipsFillsWithBadSignature(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)

	good1 := h.fill(t, 1, 4, leg(weth, 1), leg(usdc, 10))
	forged := signFill(t, h.client, domain.SignedFill{
		FillID: 2, ApprovalID: "approval", Round: 4,
		Buy: leg(weth, 100), Sell: leg(usdc, 1), ClientAddress: h.wallet(), InstanceID: mediatorAddr,
	})
	good3 := h.fill(t, 3, 4, leg(weth, 2), leg(usdc, 20))
	h.transport.On("FetchFills", uint64(4)).Return([]domain.SignedFill{good1, forged, good3}, nil)

	applied, err := h.engine.FetchFills(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	stored, err := h.ledger.Fills(h.wallet(), 4)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(1), stored[0].FillID)
	assert.Equal(t, uint64(3), stored[1].FillID)

	balance, err := h.ledger.Balance(weth, h.wallet(), 4)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(3)))

	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.LastFillRound)

	assert.Contains(t, h.observer.kinds(), events.KindFillRejected)
	synced, ok := h.observer.find(events.KindFillsSynced)
	require.True(t, ok)
	assert.Equal(t, 2, synced.Count)
}

func TestFetchFills_RejectsAmountsOutsideSignedDigest(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)

	served := h.fill(t, 1, 4, leg(weth, 1), leg(usdc, 10))
	served.Buy.Amount = decimal.RequireFromString("1.999")
	negative := h.fill(t, 2, 4, leg(weth, 1), leg(usdc, 10))
	negative.Sell.Amount = decimal.NewFromInt(-10)
	h.transport.On("FetchFills", uint64(4)).Return([]domain.SignedFill{served, negative}, nil)

	applied, err := h.engine.FetchFills(context.Background(), 4)
	require.NoError(t, err)
	assert.Zero(t, applied)

	stored, err := h.ledger.Fills(h.wallet(), 4)
	require.NoError(t, err)
	assert.Empty(t, stored)

	balance, err := h.ledger.Balance(weth, h.wallet(), 4)
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "weth balance %s", balance)

	rejected := 0
	for _, k := range h.observer.kinds() {
		if k == events.KindFillRejected {
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestFetchFills_TransportError(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.transport.On("FetchFills", uint64(4)).Return(nil, errTransport)

	_, err := h.engine.FetchFills(context.Background(), 4)
	require.ErrorIs(t, err, errTransport)

	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.LastFillRound)
}

func TestAudit_RoundZero(t *testing.T) {
	h := newHarness(t)
	h.mediator.tokens = []common.Address{usdc, weth}

	err := h.engine.Audit(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrAuditRoundZero)
	h.transport.AssertNotCalled(t, "Audit", uint64(0))
}

func TestAudit_ProofCountMismatch(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc, weth}
	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{h.proof(usdc, 4, 0)}, nil)

	err := h.engine.Audit(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrProofCountMismatch)

	var auditErr *domain.AuditError
	require.True(t, errors.As(err, &auditErr))
	assert.Equal(t, domain.AuditFailureProofCount, auditErr.Reason)

	assert.Zero(t, h.mediator.proofChecks, "no asset is checked after a count mismatch")
	_, saved, err := h.proofs.Get(usdc, 4)
	require.NoError(t, err)
	assert.True(t, saved, "fetched proofs are kept whatever the audit outcome")
	assert.Len(t, h.mediator.disputes, 1)
}

func TestAudit_KeepsOnlyProofsOfAuditedRound(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc, weth}
	require.NoError(t, h.proofs.Save(h.proof(weth, 3, 7)))

	stale := h.proof(weth, 3, 99)
	foreign := h.proof(usdc, 4, 5)
	foreign.ClientAddress = common.HexToAddress("0xc2")
	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{foreign, stale}, nil)

	err := h.engine.Audit(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrProofIdentity)

	_, saved, err := h.proofs.Get(usdc, 4)
	require.NoError(t, err)
	assert.False(t, saved, "a proof issued to another wallet is not stored")

	kept, ok, err := h.proofs.Get(weth, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, kept.ClientOpeningBalance.Equal(decimal.NewFromInt(7)), "an earlier round's proof is not overwritten")
}

func TestAudit_OpeningBalanceMismatch(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc}
	require.NoError(t, h.ledger.CreditDeposit(usdc, h.wallet(), 3, decimal.NewFromInt(100), common.Hash{}))
	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{h.proof(usdc, 4, 90)}, nil)

	err := h.engine.Audit(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrOpeningBalance)

	var auditErr *domain.AuditError
	require.True(t, errors.As(err, &auditErr))
	assert.Equal(t, domain.AuditFailureOpeningBalance, auditErr.Reason)
	assert.Equal(t, usdc, auditErr.Asset)

	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.LastAuditRound)

	_, saved, err := h.proofs.Get(usdc, 4)
	require.NoError(t, err)
	assert.True(t, saved, "proof is kept for a later dispute or withdrawal")

	assert.Len(t, h.mediator.disputes, 1)
	failed, ok := h.observer.find(events.KindAuditFailed)
	require.True(t, ok)
	assert.Equal(t, string(domain.AuditFailureOpeningBalance), failed.Reason)
	assert.Contains(t, h.observer.kinds(), events.KindDisputeOpened)
}

func TestAudit_Success(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc, weth}
	require.NoError(t, h.ledger.CreditDeposit(usdc, h.wallet(), 3, decimal.NewFromInt(100), common.Hash{}))
	require.NoError(t, h.ledger.InsertFill(h.fill(t, 1, 3, leg(weth, 1), leg(usdc, 40))))

	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{
		h.proof(usdc, 4, 60),
		h.proof(weth, 4, 1),
	}, nil)

	require.NoError(t, h.engine.Audit(context.Background(), 4))

	assert.Equal(t, 2, h.mediator.proofChecks)
	assert.Empty(t, h.mediator.disputes)
	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.LastAuditRound)

	stored, err := h.proofs.ForRound(4)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Contains(t, h.observer.kinds(), events.KindAuditCompleted)
}

func TestAudit_InvalidProofAndFailedDispute(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc, weth}
	h.mediator.invalidProofs[weth] = true
	h.mediator.disputeErr = errors.New("execution reverted")
	h.transport.On("Audit", uint64(4)).Return([]domain.Proof{
		h.proof(usdc, 4, 0),
		h.proof(weth, 4, 0),
	}, nil)

	err := h.engine.Audit(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrProofInvalid)

	assert.Contains(t, h.observer.kinds(), events.KindDisputeFailed)
	rec, _, err := h.accounts.Get(h.wallet())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.LastAuditRound)
}

func TestAudit_TransportErrorDoesNotDispute(t *testing.T) {
	h := newHarness(t)
	h.join(t, 3, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc}
	h.transport.On("Audit", uint64(4)).Return(nil, errTransport)

	err := h.engine.Audit(context.Background(), 4)
	require.ErrorIs(t, err, errTransport)
	assert.Empty(t, h.mediator.disputes)
}

func TestOpenBalanceDispute_MediatorHalted(t *testing.T) {
	h := newHarness(t)
	h.mediator.setHalted(true)

	_, err := h.engine.OpenBalanceDispute(context.Background(), 4)
	require.ErrorIs(t, err, domain.ErrMediatorHalted)
	assert.Empty(t, h.mediator.disputes)
}

func TestBuildDispute_IsDeterministic(t *testing.T) {
	clientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	build := func(order []uint64) domain.Dispute {
		h := newHarnessWithKeys(t, clientKey, operatorKey)
		h.join(t, 4, domain.QuarterTwo)
		for _, id := range order {
			require.NoError(t, h.ledger.InsertFill(h.fill(t, id, 3, leg(weth, int64(id)), leg(usdc, 1))))
		}
		require.NoError(t, h.proofs.Save(h.proof(weth, 3, 0)))
		require.NoError(t, h.proofs.Save(h.proof(usdc, 3, 0)))

		d, err := h.engine.buildDispute(4)
		require.NoError(t, err)
		return d
	}

	first := build([]uint64{9, 2, 5})
	second := build([]uint64{5, 9, 2})
	require.Equal(t, first, second)

	require.Len(t, first.Fills, 3)
	for i, id := range []uint64{2, 5, 9} {
		assert.Equal(t, id, first.Fills[i].FillID)
		assert.Equal(t, []byte(first.Fills[i].Signature), first.Signatures[i])
	}
	require.Len(t, first.Proofs, 2)
	assert.Equal(t, usdc, first.Proofs[0].TokenAddress)
	assert.Equal(t, uint64(4), first.Authorization.Round)
}

func TestHandleNewBlock_RunsQuarterSchedule(t *testing.T) {
	h := newHarness(t)
	h.join(t, 5, domain.QuarterThree)
	h.mediator.tokens = []common.Address{usdc}
	ctx := context.Background()

	h.transport.On("FetchFills", uint64(5)).Return([]domain.SignedFill(nil), nil)
	h.mediator.setClock(6, domain.QuarterFetchFills)
	require.NoError(t, h.engine.HandleNewBlock(ctx, 1000))
	require.NoError(t, h.engine.HandleNewBlock(ctx, 1001))
	h.transport.AssertNumberOfCalls(t, "FetchFills", 1)

	h.transport.On("Audit", uint64(6)).Return([]domain.Proof{h.proof(usdc, 6, 0)}, nil)
	h.mediator.setClock(6, domain.QuarterAudit)
	require.NoError(t, h.engine.HandleNewBlock(ctx, 1002))
	require.NoError(t, h.engine.HandleNewBlock(ctx, 1003))
	h.transport.AssertNumberOfCalls(t, "Audit", 1)

	h.mediator.setClock(6, domain.QuarterTwo)
	require.NoError(t, h.engine.HandleNewBlock(ctx, 1004))
	h.transport.AssertNumberOfCalls(t, "FetchFills", 1)
	h.transport.AssertNumberOfCalls(t, "Audit", 1)

	status := h.engine.Status()
	assert.Equal(t, uint64(6), status.Round)
	assert.Equal(t, domain.QuarterTwo, status.Quarter)
	assert.Equal(t, uint64(1004), status.LastBlock)
	assert.Equal(t, uint64(6), status.LastAuditRound)
	assert.Contains(t, h.observer.kinds(), events.KindRoundChanged)
}

func TestHandleNewBlock_SkipsAuditInJoinRound(t *testing.T) {
	h := newHarness(t)
	h.join(t, 5, domain.QuarterFetchFills)

	h.mediator.setClock(5, domain.QuarterAudit)
	require.NoError(t, h.engine.HandleNewBlock(context.Background(), 10))

	h.transport.AssertNotCalled(t, "Audit", uint64(5))
	assert.Equal(t, domain.QuarterAudit, h.engine.Status().Quarter)
}

func TestConfirmWithdrawal_Threshold(t *testing.T) {
	for _, tc := range []struct {
		name      string
		quarter   domain.Quarter
		halted    bool
		requested uint64
		wantErr   error
	}{
		{name: "audit quarter, request two rounds back", quarter: domain.QuarterAudit, requested: 8},
		{name: "audit quarter, request one round back", quarter: domain.QuarterAudit, requested: 9, wantErr: domain.ErrPrematureWithdrawal},
		{name: "fetch quarter widens margin", quarter: domain.QuarterFetchFills, requested: 8, wantErr: domain.ErrPrematureWithdrawal},
		{name: "fetch quarter, request three rounds back", quarter: domain.QuarterFetchFills, requested: 7},
		{name: "halted widens margin", quarter: domain.QuarterAudit, halted: true, requested: 8, wantErr: domain.ErrPrematureWithdrawal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.mediator.setClock(10, tc.quarter)
			h.mediator.setHalted(tc.halted)
			h.mediator.active[usdc] = tc.requested
			h.mediator.requested = decimal.NewFromInt(5)

			_, err := h.engine.ConfirmWithdrawal(context.Background(), usdc)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Empty(t, h.mediator.confirmed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []common.Address{usdc}, h.mediator.confirmed)
		})
	}
}

func TestConfirmWithdrawal_NoActiveWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.mediator.setClock(10, domain.QuarterAudit)

	_, err := h.engine.ConfirmWithdrawal(context.Background(), usdc)
	require.ErrorIs(t, err, domain.ErrNoActiveWithdrawal)
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Withdraw(ctx, usdc, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotConnected)

	h.join(t, 5, domain.QuarterTwo)

	_, err = h.engine.Withdraw(ctx, usdc, decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrMissingProof)

	require.NoError(t, h.ledger.CreditDeposit(usdc, h.wallet(), 4, decimal.NewFromInt(50), common.Hash{}))
	require.NoError(t, h.proofs.Save(h.proof(usdc, 4, 50)))

	_, err = h.engine.Withdraw(ctx, usdc, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.engine.Withdraw(ctx, usdc, decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.engine.Withdraw(ctx, usdc, decimal.NewFromInt(60))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	tx, err := h.engine.Withdraw(ctx, usdc, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, tx)
	require.Len(t, h.mediator.withdrawals, 1)

	ws := h.ledger.Withdrawals(usdc, h.wallet())
	require.Len(t, ws, 1)
	assert.Equal(t, uint64(5), ws[0].Round)
	balance, err := h.ledger.Balance(usdc, h.wallet(), 5)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(30)))

	h.mediator.setHalted(true)
	_, err = h.engine.Withdraw(ctx, usdc, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrMediatorHalted)
}

func TestRecoverFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mediator.setClock(6, domain.QuarterTwo)

	_, err := h.engine.RecoverFunds(ctx, usdc)
	require.ErrorIs(t, err, domain.ErrMediatorNotHalted)

	h.mediator.setHalted(true)
	require.NoError(t, h.proofs.Save(h.proof(usdc, 4, 10)))

	_, err = h.engine.RecoverFunds(ctx, usdc)
	require.NoError(t, err)
	require.Len(t, h.mediator.recoveredAll, 1)
	assert.Equal(t, usdc, h.mediator.recoveredAll[0].TokenAddress)

	_, err = h.engine.RecoverFunds(ctx, weth)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{weth}, h.mediator.recoveredOnChain)

	_, err = h.engine.RecoverFunds(ctx, usdc)
	require.ErrorIs(t, err, domain.ErrAlreadyRecovered)
	assert.Len(t, h.mediator.recoveredAll, 1, "second recovery must not reach the chain")
}

func TestHandleHalted_RecoversEveryAsset(t *testing.T) {
	h := newHarness(t)
	h.join(t, 5, domain.QuarterTwo)
	h.mediator.tokens = []common.Address{usdc, weth}
	require.NoError(t, h.proofs.Save(h.proof(usdc, 3, 10)))
	h.mediator.setHalted(true)

	h.engine.HandleHalted(context.Background(), 5)
	h.engine.HandleHalted(context.Background(), 5)

	assert.Len(t, h.mediator.recoveredAll, 1)
	assert.Equal(t, []common.Address{weth}, h.mediator.recoveredOnChain)
	assert.True(t, h.engine.Status().Halted)

	completed := 0
	for _, k := range h.observer.kinds() {
		if k == events.KindRecoveryCompleted {
			completed++
		}
	}
	assert.Equal(t, 2, completed)
	assert.NotContains(t, h.observer.kinds(), events.KindRecoveryFailed)
}

func TestRecoverAll_AfterHaltWhileOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mediator.tokens = []common.Address{usdc, weth}
	h.mediator.setClock(6, domain.QuarterTwo)
	h.mediator.setHalted(true)
	require.NoError(t, h.proofs.Save(h.proof(usdc, 4, 10)))
	h.transport.On("Mediator").Return(mediatorAddr, nil)

	require.ErrorIs(t, h.engine.Join(ctx), domain.ErrMediatorHalted)

	require.NoError(t, h.engine.RecoverAll(ctx))
	require.Len(t, h.mediator.recoveredAll, 1)
	assert.Equal(t, usdc, h.mediator.recoveredAll[0].TokenAddress)
	assert.Equal(t, []common.Address{weth}, h.mediator.recoveredOnChain)

	txs := h.mediator.txs
	require.NoError(t, h.engine.RecoverAll(ctx))
	assert.Equal(t, txs, h.mediator.txs, "recovered assets are not sent again")
}

func TestRecoverAll_ReportsAssetsLeftBehind(t *testing.T) {
	h := newHarness(t)
	h.mediator.tokens = []common.Address{usdc}
	h.mediator.setClock(6, domain.QuarterTwo)

	err := h.engine.RecoverAll(context.Background())
	require.ErrorIs(t, err, domain.ErrMediatorNotHalted)
	assert.Contains(t, err.Error(), "1 of 1 assets not recovered")
	assert.Contains(t, h.observer.kinds(), events.KindRecoveryFailed)
}

func TestDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Deposit(ctx, usdc, decimal.NewFromInt(25))
	require.ErrorIs(t, err, domain.ErrNotConnected)

	h.join(t, 5, domain.QuarterTwo)
	_, err = h.engine.Deposit(ctx, usdc, decimal.NewFromInt(25))
	require.NoError(t, err)
	require.Len(t, h.mediator.deposits, 1)

	_, err = h.engine.Deposit(ctx, usdc, decimal.RequireFromString("2.5"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Len(t, h.mediator.deposits, 1)

	opening, err := h.ledger.OpeningBalance(usdc, h.wallet(), 6)
	require.NoError(t, err)
	assert.True(t, opening.Equal(decimal.NewFromInt(25)))
}

func TestCreateAndCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.join(t, 5, domain.QuarterTwo)
	require.NoError(t, h.ledger.CreditDeposit(usdc, h.wallet(), 5, decimal.NewFromInt(100), common.Hash{}))

	_, err := h.engine.CreateOrder(ctx, leg(weth, 1), leg(usdc, 500), domain.IntentBuyAll)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	fractional := domain.Leg{Asset: usdc, Amount: decimal.RequireFromString("39.5")}
	_, err = h.engine.CreateOrder(ctx, leg(weth, 1), fractional, domain.IntentSellAll)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	h.transport.On("CreateOrder", mock.Anything).Return(nil)
	approval, err := h.engine.CreateOrder(ctx, leg(weth, 1), leg(usdc, 40), domain.IntentSellAll)
	require.NoError(t, err)
	assert.NotEmpty(t, approval.ID)
	assert.Equal(t, uint64(5), approval.Round)
	assert.Equal(t, mediatorAddr, approval.InstanceID)

	digest, err := approval.Approval.Digest()
	require.NoError(t, err)
	require.NoError(t, identity.VerifySigner(digest, approval.Signature, h.wallet()))

	h.transport.On("CancelOrder", approval.ID).Return(nil)
	h.transport.On("FetchFills", uint64(5)).Return([]domain.SignedFill(nil), nil)
	require.NoError(t, h.engine.CancelOrder(ctx, approval.ID))

	stored, ok, err := h.ledger.Approval(approval.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Cancelled)
	h.transport.AssertCalled(t, "FetchFills", uint64(5))

	err = h.engine.CancelOrder(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrMissingApproval)
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	h.join(t, 5, domain.QuarterTwo)

	h.engine.Leave()
	assert.False(t, h.engine.Status().Connected)

	h.mediator.setClock(6, domain.QuarterFetchFills)
	require.NoError(t, h.engine.HandleNewBlock(context.Background(), 77))
	assert.Zero(t, h.engine.Status().LastBlock)
	h.transport.AssertNotCalled(t, "FetchFills", uint64(5))
}
