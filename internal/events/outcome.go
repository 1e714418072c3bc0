// Package events carries protocol outcomes from the engine to observers.
package events

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind outcome kind.
type Kind string

const (
	KindRoundChanged        Kind = "round-changed"
	KindQuarterChanged      Kind = "quarter-changed"
	KindFillsSynced         Kind = "fills-synced"
	KindFillRejected        Kind = "fill-rejected"
	KindAuditCompleted      Kind = "audit-completed"
	KindAuditFailed         Kind = "audit-failed"
	KindDisputeOpened       Kind = "dispute-opened"
	KindDisputeFailed       Kind = "dispute-failed"
	KindWithdrawalConfirmed Kind = "withdrawal-confirmed"
	KindHalted              Kind = "halted"
	KindRecoveryCompleted   Kind = "recovery-completed"
	KindRecoveryFailed      Kind = "recovery-failed"
)

// Outcome something the engine did or observed.
type Outcome struct {
	Kind    Kind           `json:"kind"`
	Wallet  common.Address `json:"wallet"`
	Round   uint64         `json:"round"`
	Quarter uint8          `json:"quarter"`
	Asset   common.Address `json:"asset,omitempty"`
	TxHash  common.Hash    `json:"txHash,omitempty"`
	Count   int            `json:"count,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Time    time.Time      `json:"ts"`
}

// Broadcaster fans out outcomes to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Outcome]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan Outcome]struct{}),
		buffer: buffer,
	}
}

// Publish sends the outcome to all subscribers, dropping it for a reader whose buffer is full.
func (b *Broadcaster) Publish(o Outcome) {
	if o.Time.IsZero() {
		o.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

// Subscribe returns a channel that receives outcomes until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan Outcome {
	ch := make(chan Outcome, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Outcome) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
