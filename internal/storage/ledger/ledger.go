// Package ledger keeps the client's own accounting of balances, fills, approvals,
// deposits and withdrawals, partitioned by (asset, wallet, round).
package ledger

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/storage/journal"
)

const (
	segmentLimit = 1000
	// balances are folded from the whole history, so no segment is ever dropped
	maxSegments = 0

	keyRegister   = "ledger_register"
	keyDeposit    = "ledger_deposit"
	keyFill       = "ledger_fill"
	keyApproval   = "ledger_approval"
	keyCancel     = "ledger_cancel"
	keyWithdrawal = "ledger_withdrawal"
	keyConfirm    = "ledger_confirm"
	keyRecovered  = "ledger_recovered"
)

type balanceKey struct {
	asset  common.Address
	wallet common.Address
}

type fillKey struct {
	wallet common.Address
	id     uint64
}

type registration struct {
	Wallet common.Address `json:"wallet"`
	Round  uint64         `json:"round"`
}

type transfer struct {
	Asset  common.Address  `json:"asset"`
	Wallet common.Address  `json:"wallet"`
	Round  uint64          `json:"round"`
	Amount decimal.Decimal `json:"amount"`
	TxHash common.Hash     `json:"txHash"`
}

type cancellation struct {
	ApprovalID string `json:"approvalId"`
}

type recovery struct {
	Asset  common.Address `json:"asset"`
	Wallet common.Address `json:"wallet"`
	TxHash common.Hash    `json:"txHash"`
}

// Withdrawal a withdrawal request recorded by the client and its confirmation state.
type Withdrawal struct {
	domain.WithdrawalRequest
	TxHash        common.Hash `json:"txHash"`
	Confirmed     bool        `json:"confirmed"`
	ConfirmTxHash common.Hash `json:"confirmTxHash,omitempty"`
}

// Ledger is the WAL-journaled bookkeeping store. State is rebuilt from the journal on open.
type Ledger struct {
	journal *journal.Journal

	mu          sync.RWMutex
	registered  map[common.Address]uint64
	deltas      map[balanceKey]map[uint64]decimal.Decimal
	fills       map[fillKey]domain.SignedFill
	approvals   map[string]domain.SignedApproval
	withdrawals map[balanceKey][]*Withdrawal
	recovered   map[balanceKey]common.Hash
}

// Open opens the ledger journal under dir.
func Open(dir string) (*Ledger, error) {
	return open(dir, segmentLimit)
}

func open(dir string, threshold int) (*Ledger, error) {
	j, err := journal.Open(journal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: threshold,
		MaxSegments:      maxSegments,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	l := &Ledger{
		journal:     j,
		registered:  make(map[common.Address]uint64),
		deltas:      make(map[balanceKey]map[uint64]decimal.Decimal),
		fills:       make(map[fillKey]domain.SignedFill),
		approvals:   make(map[string]domain.SignedApproval),
		withdrawals: make(map[balanceKey][]*Withdrawal),
		recovered:   make(map[balanceKey]common.Hash),
	}
	if err := j.Replay(l.apply); err != nil {
		_ = j.Close()
		return nil, errors.Wrap(err, "replay ledger")
	}

	return l, nil
}

// apply folds one journal record into memory. Callers hold mu or are replaying.
func (l *Ledger) apply(key string, value []byte) error {
	switch key {
	case keyRegister:
		var r registration
		if err := json.Unmarshal(value, &r); err != nil {
			return errors.Wrap(err, "decode registration")
		}
		if _, ok := l.registered[r.Wallet]; !ok {
			l.registered[r.Wallet] = r.Round
		}
	case keyDeposit:
		var t transfer
		if err := json.Unmarshal(value, &t); err != nil {
			return errors.Wrap(err, "decode deposit")
		}
		l.addDelta(t.Asset, t.Wallet, t.Round, t.Amount)
	case keyFill:
		var f domain.SignedFill
		if err := json.Unmarshal(value, &f); err != nil {
			return errors.Wrap(err, "decode fill")
		}
		k := fillKey{wallet: f.ClientAddress, id: f.FillID}
		if _, ok := l.fills[k]; ok {
			return nil
		}
		l.fills[k] = f
		l.addDelta(f.Buy.Asset, f.ClientAddress, f.Round, f.Buy.Amount)
		l.addDelta(f.Sell.Asset, f.ClientAddress, f.Round, f.Sell.Amount.Neg())
	case keyApproval:
		var a domain.SignedApproval
		if err := json.Unmarshal(value, &a); err != nil {
			return errors.Wrap(err, "decode approval")
		}
		l.approvals[a.ID] = a
	case keyCancel:
		var c cancellation
		if err := json.Unmarshal(value, &c); err != nil {
			return errors.Wrap(err, "decode cancellation")
		}
		if a, ok := l.approvals[c.ApprovalID]; ok {
			a.Cancelled = true
			l.approvals[c.ApprovalID] = a
		}
	case keyWithdrawal:
		var t transfer
		if err := json.Unmarshal(value, &t); err != nil {
			return errors.Wrap(err, "decode withdrawal")
		}
		k := balanceKey{asset: t.Asset, wallet: t.Wallet}
		l.withdrawals[k] = append(l.withdrawals[k], &Withdrawal{
			WithdrawalRequest: domain.WithdrawalRequest{Asset: t.Asset, Wallet: t.Wallet, Amount: t.Amount, Round: t.Round},
			TxHash:            t.TxHash,
		})
		l.addDelta(t.Asset, t.Wallet, t.Round, t.Amount.Neg())
	case keyConfirm:
		var t transfer
		if err := json.Unmarshal(value, &t); err != nil {
			return errors.Wrap(err, "decode confirmation")
		}
		for _, w := range l.withdrawals[balanceKey{asset: t.Asset, wallet: t.Wallet}] {
			if w.Round == t.Round && !w.Confirmed {
				w.Confirmed = true
				w.ConfirmTxHash = t.TxHash
			}
		}
	case keyRecovered:
		var r recovery
		if err := json.Unmarshal(value, &r); err != nil {
			return errors.Wrap(err, "decode recovery")
		}
		l.recovered[balanceKey{asset: r.Asset, wallet: r.Wallet}] = r.TxHash
	}
	return nil
}

func (l *Ledger) addDelta(asset, wallet common.Address, round uint64, amount decimal.Decimal) {
	k := balanceKey{asset: asset, wallet: wallet}
	rounds, ok := l.deltas[k]
	if !ok {
		rounds = make(map[uint64]decimal.Decimal)
		l.deltas[k] = rounds
	}
	rounds[round] = rounds[round].Add(amount)
}

func (l *Ledger) record(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.journal.Append(key, json.RawMessage(data)); err != nil {
		return err
	}
	return l.apply(key, data)
}

// Register records that wallet participates starting at round. Later calls are no-ops.
func (l *Ledger) Register(wallet common.Address, round uint64) error {
	l.mu.RLock()
	_, ok := l.registered[wallet]
	l.mu.RUnlock()
	if ok {
		return nil
	}
	return l.record(keyRegister, registration{Wallet: wallet, Round: round})
}

// OpeningBalance balance of wallet in asset at the start of round.
func (l *Ledger) OpeningBalance(asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for r, d := range l.deltas[balanceKey{asset: asset, wallet: wallet}] {
		if r < round {
			total = total.Add(d)
		}
	}
	return total, nil
}

// Balance balance of wallet in asset including everything recorded during round.
func (l *Ledger) Balance(asset, wallet common.Address, round uint64) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for r, d := range l.deltas[balanceKey{asset: asset, wallet: wallet}] {
		if r <= round {
			total = total.Add(d)
		}
	}
	return total, nil
}

// InsertFill applies a verified fill. Inserting the same fill id twice is a no-op.
func (l *Ledger) InsertFill(fill domain.SignedFill) error {
	l.mu.RLock()
	_, ok := l.fills[fillKey{wallet: fill.ClientAddress, id: fill.FillID}]
	l.mu.RUnlock()
	if ok {
		return nil
	}
	return l.record(keyFill, fill)
}

// Fills returns the fills of wallet at round ordered by fill id.
func (l *Ledger) Fills(wallet common.Address, round uint64) ([]domain.SignedFill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.SignedFill
	for k, f := range l.fills {
		if k.wallet == wallet && f.Round == round {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FillID < out[j].FillID })
	return out, nil
}

// InsertApproval records a signed approval.
func (l *Ledger) InsertApproval(a domain.SignedApproval) error {
	if a.ID == "" {
		return errors.New("approval id is required")
	}
	return l.record(keyApproval, a)
}

// Approval returns the approval with id, if any.
func (l *Ledger) Approval(id string) (domain.SignedApproval, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.approvals[id]
	return a, ok, nil
}

// CancelApproval marks the approval cancelled.
func (l *Ledger) CancelApproval(id string) error {
	l.mu.RLock()
	_, ok := l.approvals[id]
	l.mu.RUnlock()
	if !ok {
		return errors.Wrapf(domain.ErrMissingApproval, "approval %s", id)
	}
	return l.record(keyCancel, cancellation{ApprovalID: id})
}

// CreditDeposit credits an on-chain deposit made during round.
func (l *Ledger) CreditDeposit(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error {
	return l.record(keyDeposit, transfer{Asset: asset, Wallet: wallet, Round: round, Amount: amount, TxHash: tx})
}

// RecordWithdrawal debits a withdrawal requested during round.
func (l *Ledger) RecordWithdrawal(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error {
	return l.record(keyWithdrawal, transfer{Asset: asset, Wallet: wallet, Round: round, Amount: amount, TxHash: tx})
}

// ConfirmWithdrawal marks the withdrawal requested at round as confirmed on chain.
func (l *Ledger) ConfirmWithdrawal(asset, wallet common.Address, round uint64, amount decimal.Decimal, tx common.Hash) error {
	return l.record(keyConfirm, transfer{Asset: asset, Wallet: wallet, Round: round, Amount: amount, TxHash: tx})
}

// Withdrawals returns the withdrawals of wallet in asset in request order.
func (l *Ledger) Withdrawals(asset, wallet common.Address) []Withdrawal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ws := l.withdrawals[balanceKey{asset: asset, wallet: wallet}]
	out := make([]Withdrawal, 0, len(ws))
	for _, w := range ws {
		out = append(out, *w)
	}
	return out
}

// IsRecovered reports whether funds of wallet in asset were recovered after a halt.
func (l *Ledger) IsRecovered(asset, wallet common.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.recovered[balanceKey{asset: asset, wallet: wallet}]
	return ok, nil
}

// MarkRecovered flags asset as recovered for wallet.
func (l *Ledger) MarkRecovered(asset, wallet common.Address, tx common.Hash) error {
	return l.record(keyRecovered, recovery{Asset: asset, Wallet: wallet, TxHash: tx})
}

// Close closes the journal.
func (l *Ledger) Close() error {
	return l.journal.Close()
}
