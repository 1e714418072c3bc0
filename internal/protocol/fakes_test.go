package protocol

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/identity"
	"github.com/vadiminshakov/hubclient/internal/storage/accounts"
	"github.com/vadiminshakov/hubclient/internal/storage/ledger"
	"github.com/vadiminshakov/hubclient/internal/storage/proofs"
	"go.uber.org/zap"
)

var (
	mediatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	usdc         = common.HexToAddress("0x000000000000000000000000000000000000000a")
	weth         = common.HexToAddress("0x000000000000000000000000000000000000000b")
	dai          = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Join(_ context.Context, address common.Address, _ []byte) (domain.AuthorizationMessage, error) {
	args := m.Called(address)
	return args.Get(0).(domain.AuthorizationMessage), args.Error(1)
}

func (m *mockTransport) Mediator(_ context.Context) (common.Address, error) {
	args := m.Called()
	return args.Get(0).(common.Address), args.Error(1)
}

func (m *mockTransport) Audit(_ context.Context, _ common.Address, round uint64) ([]domain.Proof, error) {
	args := m.Called(round)
	out, _ := args.Get(0).([]domain.Proof)
	return out, args.Error(1)
}

func (m *mockTransport) FetchFills(_ context.Context, _ common.Address, round uint64) ([]domain.SignedFill, error) {
	args := m.Called(round)
	out, _ := args.Get(0).([]domain.SignedFill)
	return out, args.Error(1)
}

func (m *mockTransport) CreateOrder(_ context.Context, approval domain.SignedApproval) error {
	return m.Called(approval).Error(0)
}

func (m *mockTransport) CancelOrder(_ context.Context, approvalID string, _ []byte) error {
	return m.Called(approvalID).Error(0)
}

// fakeMediator in-memory mediator contract.
type fakeMediator struct {
	mu sync.Mutex

	round         uint64
	quarter       domain.Quarter
	halted        bool
	tokens        []common.Address
	invalidProofs map[common.Address]bool
	active        map[common.Address]uint64
	requested     decimal.Decimal
	disputeErr    error
	subscribeErr  error
	confirmErr    map[common.Address]error
	// drop ends the current block subscription with the received error.
	drop chan error

	subscriptions int

	txs              int
	proofChecks      int
	disputes         []domain.Dispute
	deposits         []decimal.Decimal
	withdrawals      []decimal.Decimal
	confirmed        []common.Address
	recoveredAll     []domain.Proof
	recoveredOnChain []common.Address
}

func newFakeMediator() *fakeMediator {
	return &fakeMediator{
		invalidProofs: make(map[common.Address]bool),
		active:        make(map[common.Address]uint64),
		confirmErr:    make(map[common.Address]error),
		requested:     decimal.Zero,
	}
}

func (f *fakeMediator) setClock(round uint64, quarter domain.Quarter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round, f.quarter = round, quarter
}

func (f *fakeMediator) setHalted(halted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = halted
}

func (f *fakeMediator) nextTx() common.Hash {
	f.txs++
	return common.BigToHash(big.NewInt(int64(f.txs)))
}

func (f *fakeMediator) Address() common.Address { return mediatorAddr }

func (f *fakeMediator) CurrentRound(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.round, nil
}

func (f *fakeMediator) CurrentQuarter(context.Context) (domain.Quarter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quarter, nil
}

func (f *fakeMediator) RoundSize(context.Context) (uint64, error) { return 40, nil }

func (f *fakeMediator) IsHalted(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted, nil
}

func (f *fakeMediator) BlockNumberAtCreation(context.Context) (uint64, error) { return 100, nil }

func (f *fakeMediator) RegisteredTokens(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Address(nil), f.tokens...), nil
}

func (f *fakeMediator) IsProofValid(_ context.Context, p domain.Proof, _ uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proofChecks++
	return !f.invalidProofs[p.TokenAddress], nil
}

func (f *fakeMediator) ActiveWithdrawalRound(_ context.Context, asset, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[asset], nil
}

func (f *fakeMediator) RequestedWithdrawalAmount(context.Context, uint64, common.Address, common.Address) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested, nil
}

func (f *fakeMediator) Deposit(_ context.Context, _ common.Address, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, amount)
	return f.nextTx(), nil
}

func (f *fakeMediator) InitiateWithdrawal(_ context.Context, _ domain.Proof, amount decimal.Decimal) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawals = append(f.withdrawals, amount)
	return f.nextTx(), nil
}

func (f *fakeMediator) ConfirmWithdrawal(_ context.Context, asset common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.confirmErr[asset]; err != nil {
		return common.Hash{}, err
	}
	f.confirmed = append(f.confirmed, asset)
	delete(f.active, asset)
	return f.nextTx(), nil
}

func (f *fakeMediator) OpenDispute(_ context.Context, d domain.Dispute) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disputeErr != nil {
		return common.Hash{}, f.disputeErr
	}
	f.disputes = append(f.disputes, d)
	return f.nextTx(), nil
}

func (f *fakeMediator) RecoverAllFunds(_ context.Context, p domain.Proof) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveredAll = append(f.recoveredAll, p)
	return f.nextTx(), nil
}

func (f *fakeMediator) RecoverOnChainFundsOnly(_ context.Context, asset common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveredOnChain = append(f.recoveredOnChain, asset)
	return f.nextTx(), nil
}

func (f *fakeMediator) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeMediator) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscriptions
}

func (f *fakeMediator) SubscribeNewBlocks(context.Context, chan<- uint64) (event.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscriptions++

	drop := f.drop
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-drop:
			return err
		}
	}), nil
}

func (f *fakeMediator) SubscribeHalted(context.Context, chan<- uint64) (event.Subscription, error) {
	return idleSubscription(), nil
}

func idleSubscription() event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []events.Outcome
}

func (r *recordingObserver) Publish(o events.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o.Kind)
	}
	return out
}

func (r *recordingObserver) find(kind events.Kind) (events.Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outcomes {
		if o.Kind == kind {
			return o, true
		}
	}
	return events.Outcome{}, false
}

type harness struct {
	engine    *Engine
	mediator  *fakeMediator
	transport *mockTransport
	ledger    *ledger.Ledger
	accounts  *accounts.WALStore
	proofs    *proofs.WALStore
	observer  *recordingObserver
	client    *identity.Wallet
	operator  *identity.Wallet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clientKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	operatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return newHarnessWithKeys(t, clientKey, operatorKey)
}

func newHarnessWithKeys(t *testing.T, clientKey, operatorKey *ecdsa.PrivateKey) *harness {
	t.Helper()
	dir := t.TempDir()

	client, err := identity.FromKey(clientKey)
	require.NoError(t, err)
	operator, err := identity.FromKey(operatorKey)
	require.NoError(t, err)

	l, err := ledger.Open(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	acc, err := accounts.NewWALStore(filepath.Join(dir, "accounts"))
	require.NoError(t, err)
	ps, err := proofs.NewWALStore(filepath.Join(dir, "proofs"))
	require.NoError(t, err)

	h := &harness{
		mediator:  newFakeMediator(),
		transport: &mockTransport{},
		ledger:    l,
		accounts:  acc,
		proofs:    ps,
		observer:  &recordingObserver{},
		client:    client,
		operator:  operator,
	}

	h.engine, err = New(Params{
		Identity:  client,
		Transport: h.transport,
		Mediator:  h.mediator,
		Ledger:    l,
		Accounts:  acc,
		Proofs:    ps,
		Observer:  h.observer,
		Operator:  operator.Address(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.engine.Leave()
		_ = l.Close()
		_ = acc.Close()
		_ = ps.Close()
	})
	return h
}

func (h *harness) wallet() common.Address {
	return h.client.Address()
}

func (h *harness) authorization(t *testing.T, round uint64) domain.AuthorizationMessage {
	t.Helper()
	digest, err := domain.AuthorizationDigest(h.wallet(), round)
	require.NoError(t, err)
	sig, err := h.operator.Sign(digest)
	require.NoError(t, err)
	return domain.AuthorizationMessage{Client: h.wallet(), Round: round, Signature: sig}
}

// join connects a fresh wallet at (round, quarter).
func (h *harness) join(t *testing.T, round uint64, quarter domain.Quarter) {
	t.Helper()
	h.mediator.setClock(round, quarter)
	h.transport.On("Mediator").Return(mediatorAddr, nil)
	h.transport.On("Join", h.wallet()).Return(h.authorization(t, round), nil)
	require.NoError(t, h.engine.Join(context.Background()))
}

func (h *harness) fill(t *testing.T, id, round uint64, buy, sell domain.Leg) domain.SignedFill {
	t.Helper()
	return signFill(t, h.operator, domain.SignedFill{
		FillID:        id,
		ApprovalID:    "approval",
		Round:         round,
		Buy:           buy,
		Sell:          sell,
		ClientAddress: h.wallet(),
		InstanceID:    mediatorAddr,
	})
}

func signFill(t *testing.T, signer *identity.Wallet, f domain.SignedFill) domain.SignedFill {
	t.Helper()
	digest, err := f.Digest()
	require.NoError(t, err)
	f.Signature, err = signer.Sign(digest)
	require.NoError(t, err)
	return f
}

func (h *harness) proof(asset common.Address, round uint64, opening int64) domain.Proof {
	return domain.Proof{
		TokenAddress:         asset,
		ClientAddress:        h.wallet(),
		ClientOpeningBalance: decimal.NewFromInt(opening),
		Round:                round,
		Path:                 domain.MerklePath{Siblings: []common.Hash{common.HexToHash("0x01")}},
	}
}

func leg(asset common.Address, amount int64) domain.Leg {
	return domain.Leg{Asset: asset, Amount: decimal.NewFromInt(amount)}
}

var errTransport = errors.New("connection refused")
