// Package protocol runs the client side of the hub protocol for one wallet: it follows the
// mediator's round/quarter clock, syncs fills, audits solvency proofs, disputes dishonest
// balances and drives withdrawals and halt recovery.
package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/identity"
	"github.com/vadiminshakov/hubclient/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Transport request/response boundary to the hub operator.
type Transport interface {
	Join(ctx context.Context, address common.Address, signature []byte) (domain.AuthorizationMessage, error)
	Mediator(ctx context.Context) (common.Address, error)
	Audit(ctx context.Context, address common.Address, round uint64) ([]domain.Proof, error)
	FetchFills(ctx context.Context, wallet common.Address, round uint64) ([]domain.SignedFill, error)
	CreateOrder(ctx context.Context, approval domain.SignedApproval) error
	CancelOrder(ctx context.Context, approvalID string, signature []byte) error
}

// Identity signs on behalf of the client wallet.
type Identity interface {
	Address() common.Address
	Sign(digest common.Hash) ([]byte, error)
}

// Mediator on-chain contract gateway.
type Mediator interface {
	Address() common.Address
	CurrentRound(ctx context.Context) (uint64, error)
	CurrentQuarter(ctx context.Context) (domain.Quarter, error)
	RoundSize(ctx context.Context) (uint64, error)
	IsHalted(ctx context.Context) (bool, error)
	BlockNumberAtCreation(ctx context.Context) (uint64, error)
	RegisteredTokens(ctx context.Context) ([]common.Address, error)
	IsProofValid(ctx context.Context, proof domain.Proof, round uint64) (bool, error)
	ActiveWithdrawalRound(ctx context.Context, asset, wallet common.Address) (uint64, error)
	RequestedWithdrawalAmount(ctx context.Context, round uint64, asset, wallet common.Address) (decimal.Decimal, error)
	Deposit(ctx context.Context, asset common.Address, amount decimal.Decimal) (common.Hash, error)
	InitiateWithdrawal(ctx context.Context, proof domain.Proof, amount decimal.Decimal) (common.Hash, error)
	ConfirmWithdrawal(ctx context.Context, asset common.Address) (common.Hash, error)
	OpenDispute(ctx context.Context, d domain.Dispute) (common.Hash, error)
	RecoverAllFunds(ctx context.Context, proof domain.Proof) (common.Hash, error)
	RecoverOnChainFundsOnly(ctx context.Context, asset common.Address) (common.Hash, error)
	SubscribeNewBlocks(ctx context.Context, sink chan<- uint64) (event.Subscription, error)
	SubscribeHalted(ctx context.Context, sink chan<- uint64) (event.Subscription, error)
}

// Ledger local bookkeeping of balances, fills and approvals.
type Ledger interface {
	Register(wallet common.Address, round uint64) error
	OpeningBalance(asset, wallet common.Address, round uint64) (decimal.Decimal, error)
	Balance(asset, wallet common.Address, round uint64) (decimal.Decimal, error)
	InsertFill(fill domain.SignedFill) error
	Fills(wallet common.Address, round uint64) ([]domain.SignedFill, error)
	InsertApproval(a domain.SignedApproval) error
	Approval(id string) (domain.SignedApproval, bool, error)
	CancelApproval(id string) error
	CreditDeposit(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error
	RecordWithdrawal(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error
	ConfirmWithdrawal(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error
	IsRecovered(asset, wallet common.Address) (bool, error)
	MarkRecovered(asset, wallet common.Address, tx common.Hash) error
}

// AccountStore durable per-wallet cursor.
type AccountStore interface {
	Get(wallet common.Address) (domain.AccountRecord, bool, error)
	Save(rec domain.AccountRecord) error
}

// ProofStore durable per-(asset, round) proof cache.
type ProofStore interface {
	Save(p domain.Proof) error
	Get(asset common.Address, round uint64) (domain.Proof, bool, error)
	ForRound(round uint64) ([]domain.Proof, error)
}

// Observer receives engine outcomes.
type Observer interface {
	Publish(o events.Outcome)
}

type nopObserver struct{}

func (nopObserver) Publish(events.Outcome) {}

// Params collaborators of an Engine.
type Params struct {
	Identity  Identity
	Transport Transport
	Mediator  Mediator
	Ledger    Ledger
	Accounts  AccountStore
	Proofs    ProofStore
	Observer  Observer
	// Operator address that signs fills and authorizations.
	Operator common.Address
	Logger   *zap.Logger
}

// Engine protocol state machine of a single wallet.
type Engine struct {
	identity  Identity
	transport Transport
	mediator  Mediator
	ledger    Ledger
	accounts  AccountStore
	proofs    ProofStore
	observer  Observer
	operator  common.Address
	wallet    common.Address
	logger    *zap.Logger
	retrier   *retrier.Retrier

	// joinMu serializes Join and Leave.
	joinMu sync.Mutex
	// sweepMu serializes quarter entry, catch-up and halt recovery.
	sweepMu sync.Mutex
	flight  singleflight.Group
	// lastEntered is the key of the last quarter entry. Guarded by sweepMu.
	lastEntered string

	mu            sync.RWMutex
	connected     bool
	round         uint64
	quarter       domain.Quarter
	halted        bool
	lastBlock     uint64
	roundSize     uint64
	creationBlock uint64
	account       domain.AccountRecord
	updatedAt     time.Time

	// fillsSyncedThrough last finished round whose fills this session synced.
	fillsSyncedThrough uint64
	fillsSynced        bool
	done               chan struct{}
	watchErr           error

	// cancel stops the watch goroutine. Guarded by joinMu.
	cancel context.CancelFunc
}

// New creates an engine. Join must be called before the engine follows the chain.
func New(p Params) (*Engine, error) {
	switch {
	case p.Identity == nil:
		return nil, errors.New("identity is required")
	case p.Transport == nil:
		return nil, errors.New("transport is required")
	case p.Mediator == nil:
		return nil, errors.New("mediator is required")
	case p.Ledger == nil:
		return nil, errors.New("ledger is required")
	case p.Accounts == nil:
		return nil, errors.New("account store is required")
	case p.Proofs == nil:
		return nil, errors.New("proof store is required")
	case p.Operator == (common.Address{}):
		return nil, errors.New("operator address is required")
	}

	observer := p.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wallet := p.Identity.Address()

	return &Engine{
		identity:  p.Identity,
		transport: p.Transport,
		mediator:  p.Mediator,
		ledger:    p.Ledger,
		accounts:  p.Accounts,
		proofs:    p.Proofs,
		observer:  observer,
		operator:  p.Operator,
		wallet:    wallet,
		logger:    logger.With(zap.String("wallet", wallet.Hex())),
		retrier: retrier.New(
			retrier.WithMaxRetries(5),
			retrier.WithInitialInterval(time.Second),
			retrier.WithMaxInterval(30*time.Second),
		),
	}, nil
}

// Wallet address the engine acts for.
func (e *Engine) Wallet() common.Address {
	return e.wallet
}

// Join connects the wallet to the hub. It is a no-op when already connected.
func (e *Engine) Join(ctx context.Context) error {
	e.joinMu.Lock()
	defer e.joinMu.Unlock()

	if e.isConnected() {
		return nil
	}
	e.stopWatch()

	advertised, err := e.transport.Mediator(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve mediator address")
	}
	if advertised != e.mediator.Address() {
		return errors.Wrapf(domain.ErrMediatorMismatch, "hub advertises %s, configured %s",
			advertised.Hex(), e.mediator.Address().Hex())
	}

	halted, err := e.mediator.IsHalted(ctx)
	if err != nil {
		return errors.Wrap(err, "read halted flag")
	}
	if halted {
		return domain.ErrMediatorHalted
	}

	round, quarter, err := e.readClock(ctx)
	if err != nil {
		return err
	}
	roundSize, err := e.mediator.RoundSize(ctx)
	if err != nil {
		return errors.Wrap(err, "read round size")
	}
	creationBlock, err := e.mediator.BlockNumberAtCreation(ctx)
	if err != nil {
		return errors.Wrap(err, "read creation block")
	}

	rec, ok, err := e.accounts.Get(e.wallet)
	if err != nil {
		return errors.Wrap(err, "load account")
	}
	if !ok {
		auth, err := e.authorize(ctx)
		if err != nil {
			return err
		}
		rec = domain.AccountRecord{
			Wallet:         e.wallet,
			RoundJoined:    round,
			LastFillRound:  round,
			LastAuditRound: round,
			Authorization:  auth,
		}
		if err := e.accounts.Save(rec); err != nil {
			return errors.Wrap(err, "save account")
		}
		e.logger.Info("joined hub", zap.Uint64("round", round))
	} else {
		e.logger.Info("resumed hub session",
			zap.Uint64("roundJoined", rec.RoundJoined),
			zap.Uint64("lastFillRound", rec.LastFillRound),
			zap.Uint64("lastAuditRound", rec.LastAuditRound))
	}

	feed, err := e.subscribe(ctx)
	if err != nil {
		return err
	}

	if err := e.ledger.Register(e.wallet, rec.RoundJoined); err != nil {
		feed.unsubscribe()
		return errors.Wrap(err, "register wallet in ledger")
	}

	e.mu.Lock()
	e.connected = true
	e.round = round
	e.quarter = quarter
	e.halted = false
	e.roundSize = roundSize
	e.creationBlock = creationBlock
	e.account = rec
	e.updatedAt = time.Now().UTC()
	e.fillsSynced = false
	e.fillsSyncedThrough = 0
	done := make(chan struct{})
	e.done = done
	e.watchErr = nil
	e.mu.Unlock()

	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.watch(watchCtx, feed, done)

	e.catchUp(context.WithoutCancel(ctx), round, quarter)
	return nil
}

// authorize asks the operator to admit the wallet and checks the returned authorization.
func (e *Engine) authorize(ctx context.Context) (domain.AuthorizationMessage, error) {
	sig, err := e.identity.Sign(domain.JoinDigest(e.wallet))
	if err != nil {
		return domain.AuthorizationMessage{}, err
	}

	auth, err := e.transport.Join(ctx, e.wallet, sig)
	if err != nil {
		return domain.AuthorizationMessage{}, err
	}
	if err := e.verifyAuthorization(auth); err != nil {
		return domain.AuthorizationMessage{}, err
	}

	return auth, nil
}

func (e *Engine) verifyAuthorization(auth domain.AuthorizationMessage) error {
	if auth.Client != e.wallet {
		return errors.Wrapf(domain.ErrAuthorizationInvalid, "issued for %s", auth.Client.Hex())
	}
	digest, err := domain.AuthorizationDigest(auth.Client, auth.Round)
	if err != nil {
		return err
	}
	if err := identity.VerifySigner(digest, auth.Signature, e.operator); err != nil {
		return errors.Wrap(err, "authorization")
	}
	return nil
}

// Leave stops following the chain. In-flight operations run to completion.
func (e *Engine) Leave() {
	e.joinMu.Lock()
	defer e.joinMu.Unlock()

	if e.cancel == nil {
		return
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	e.stopWatch()
	e.logger.Info("left hub")
}

// stopWatch cancels the watch goroutine and waits for it to exit. Callers hold joinMu.
func (e *Engine) stopWatch() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.Done()
	e.cancel = nil
}

// Done is closed when the engine stops following the chain, after Leave or when the chain
// subscriptions could not be restored. It is nil before the first Join.
func (e *Engine) Done() <-chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.done
}

// Err reports why the engine stopped following the chain. It is nil while following and after Leave.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watchErr
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() domain.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return domain.Status{
		Wallet:         e.wallet,
		Connected:      e.connected,
		Round:          e.round,
		Quarter:        e.quarter,
		Halted:         e.halted,
		RoundJoined:    e.account.RoundJoined,
		LastFillRound:  e.account.LastFillRound,
		LastAuditRound: e.account.LastAuditRound,
		RoundSize:      e.roundSize,
		CreationBlock:  e.creationBlock,
		LastBlock:      e.lastBlock,
		UpdatedAt:      e.updatedAt,
	}
}

func (e *Engine) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Engine) requireConnected() error {
	if !e.isConnected() {
		return domain.ErrNotConnected
	}
	return nil
}

func (e *Engine) accountRecord() domain.AccountRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account
}

// advanceCursor applies update to the account record and persists it when it changed.
func (e *Engine) advanceCursor(update func(rec *domain.AccountRecord) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.account
	if rec.Wallet == (common.Address{}) {
		stored, ok, err := e.accounts.Get(e.wallet)
		if err != nil {
			return errors.Wrap(err, "load account")
		}
		if !ok {
			return domain.ErrNotConnected
		}
		rec = stored
	}
	if !update(&rec) {
		return nil
	}
	if err := e.accounts.Save(rec); err != nil {
		return errors.Wrap(err, "save account")
	}
	e.account = rec
	e.updatedAt = time.Now().UTC()
	return nil
}

func (e *Engine) readClock(ctx context.Context) (uint64, domain.Quarter, error) {
	round, err := e.mediator.CurrentRound(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "read current round")
	}
	quarter, err := e.mediator.CurrentQuarter(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "read current quarter")
	}
	return round, quarter, nil
}

func (e *Engine) publish(o events.Outcome) {
	o.Wallet = e.wallet
	o.Time = time.Now().UTC()
	e.observer.Publish(o)
}
