package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/pkg/retrier"
	"go.uber.org/zap"
)

const feedBuffer = 32

// quarterAction a step run when the engine enters a quarter of round.
type quarterAction struct {
	name string
	// requiresPriorRound skips the action until the wallet has been joined for a full round.
	requiresPriorRound bool
	run                func(e *Engine, ctx context.Context, round uint64) error
}

// quarterSchedule maps each quarter to the actions run on entering it, in order.
var quarterSchedule = [domain.QuartersPerRound][]quarterAction{
	domain.QuarterFetchFills: {
		{name: "fetch-fills", run: (*Engine).syncBefore},
	},
	domain.QuarterAudit: {
		{name: "audit", requiresPriorRound: true, run: (*Engine).scheduledAudit},
		{name: "confirm-withdrawals", requiresPriorRound: true, run: (*Engine).sweepWithdrawals},
	},
	domain.QuarterTwo:   nil,
	domain.QuarterThree: nil,
}

// chainFeed live chain subscriptions of a joined engine.
type chainFeed struct {
	blocks   chan uint64
	halts    chan uint64
	blockSub event.Subscription
	haltSub  event.Subscription
}

func (f *chainFeed) unsubscribe() {
	f.blockSub.Unsubscribe()
	f.haltSub.Unsubscribe()
}

func (e *Engine) subscribe(ctx context.Context) (*chainFeed, error) {
	feed := &chainFeed{
		blocks: make(chan uint64, feedBuffer),
		halts:  make(chan uint64, 1),
	}

	var err error
	feed.blockSub, err = e.mediator.SubscribeNewBlocks(ctx, feed.blocks)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to new blocks")
	}
	feed.haltSub, err = e.mediator.SubscribeHalted(ctx, feed.halts)
	if err != nil {
		feed.blockSub.Unsubscribe()
		return nil, errors.Wrap(err, "subscribe to Halted")
	}

	return feed, nil
}

// watch dispatches chain events until ctx is cancelled or the subscriptions cannot be restored.
// Handlers run on a context detached from ctx so that Leave never interrupts them.
func (e *Engine) watch(ctx context.Context, feed *chainFeed, done chan struct{}) {
	defer close(done)

	opCtx := context.WithoutCancel(ctx)
	for {
		var dropped error
		select {
		case <-ctx.Done():
			feed.unsubscribe()
			return
		case n := <-feed.blocks:
			if err := e.HandleNewBlock(opCtx, n); err != nil {
				e.logger.Warn("failed to handle new block", zap.Uint64("block", n), zap.Error(err))
			}
			continue
		case r := <-feed.halts:
			e.HandleHalted(opCtx, r)
			continue
		case dropped = <-feed.blockSub.Err():
		case dropped = <-feed.haltSub.Err():
		}

		var err error
		if feed, err = e.resubscribe(ctx, feed, dropped); err != nil {
			e.stopFollowing(err)
			return
		}
		if feed == nil {
			return
		}
	}
}

// resubscribe replaces a dropped feed. It returns a nil feed without error when ctx was cancelled.
func (e *Engine) resubscribe(ctx context.Context, old *chainFeed, cause error) (*chainFeed, error) {
	old.unsubscribe()
	if ctx.Err() != nil {
		return nil, nil
	}
	e.logger.Warn("chain subscription dropped, resubscribing", zap.Error(cause))

	feed, err := retrier.DoWithData(e.retrier, ctx, e.subscribe)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		e.logger.Error("failed to resubscribe to chain events", zap.Error(err))
		return nil, errors.Wrap(err, "chain subscription lost")
	}
	return feed, nil
}

// stopFollowing marks the engine disconnected after its chain feed was lost for good.
func (e *Engine) stopFollowing(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.watchErr = cause
	e.updatedAt = time.Now().UTC()
}

// HandleNewBlock re-reads the round/quarter clock. A new round only updates the cached round;
// the quarter-entry actions run when the quarter changed.
func (e *Engine) HandleNewBlock(ctx context.Context, blockNumber uint64) error {
	if !e.isConnected() {
		return nil
	}

	round, quarter, err := e.readClock(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.lastBlock = blockNumber
	prevRound, prevQuarter := e.round, e.quarter
	if round != prevRound || quarter != prevQuarter {
		e.round = round
		e.quarter = quarter
		e.updatedAt = time.Now().UTC()
	}
	e.mu.Unlock()

	e.logger.Debug("new block", zap.Uint64("block", blockNumber),
		zap.Uint64("round", round), zap.Stringer("quarter", quarter))

	if round != prevRound {
		e.logger.Info("round changed", zap.Uint64("from", prevRound), zap.Uint64("to", round))
		e.publish(events.Outcome{Kind: events.KindRoundChanged, Round: round, Quarter: uint8(quarter)})
	}
	if quarter == prevQuarter {
		return nil
	}

	e.logger.Info("entered quarter", zap.Uint64("round", round), zap.Stringer("quarter", quarter))
	e.publish(events.Outcome{Kind: events.KindQuarterChanged, Round: round, Quarter: uint8(quarter)})

	e.enterQuarter(ctx, round, quarter)
	return nil
}

// enterQuarter runs the scheduled actions of quarter at most once per (wallet, round, quarter).
// Failures are logged; the quarter still completes.
func (e *Engine) enterQuarter(ctx context.Context, round uint64, quarter domain.Quarter) {
	if !quarter.Valid() {
		return
	}

	key := fmt.Sprintf("%s:%d:%d", e.wallet.Hex(), round, quarter)
	_, _, _ = e.flight.Do(key, func() (interface{}, error) {
		e.sweepMu.Lock()
		defer e.sweepMu.Unlock()
		if e.lastEntered == key {
			return nil, nil
		}
		defer func() { e.lastEntered = key }()

		roundJoined := e.accountRecord().RoundJoined
		for _, action := range quarterSchedule[quarter] {
			if action.requiresPriorRound && round <= roundJoined {
				continue
			}
			if err := action.run(e, ctx, round); err != nil {
				e.logger.Error("scheduled action failed",
					zap.String("action", action.name),
					zap.Uint64("round", round),
					zap.Stringer("quarter", quarter),
					zap.Error(err))
			}
		}
		return nil, nil
	})
}

// syncBefore makes sure the fills of every round before round are in the ledger.
func (e *Engine) syncBefore(ctx context.Context, round uint64) error {
	if round == 0 {
		return nil
	}
	return e.syncCompletedRounds(ctx, round-1)
}

// syncCompletedRounds fetches the fills of every finished round up to through that this session
// has not synced yet. Without an earlier sync it starts again at the persisted cursor, whose round
// may have been fetched before it ended.
func (e *Engine) syncCompletedRounds(ctx context.Context, through uint64) error {
	e.mu.RLock()
	from := e.account.LastFillRound
	if e.fillsSynced {
		from = e.fillsSyncedThrough + 1
	}
	e.mu.RUnlock()

	for r := from; r <= through; r++ {
		if _, err := e.FetchFills(ctx, r); err != nil {
			return errors.Wrapf(err, "sync fills of round %d", r)
		}
		e.markFillsSynced(r)
	}
	e.markFillsSynced(through)
	return nil
}

func (e *Engine) markFillsSynced(round uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fillsSynced || round > e.fillsSyncedThrough {
		e.fillsSynced = true
		e.fillsSyncedThrough = round
	}
}

// scheduledAudit audits round once the fills it depends on are synced. A failed audit has
// already been turned into a dispute attempt.
func (e *Engine) scheduledAudit(ctx context.Context, round uint64) error {
	if err := e.syncBefore(ctx, round); err != nil {
		return err
	}
	return e.Audit(ctx, round)
}

// catchUp replays the rounds missed while the wallet was offline.
func (e *Engine) catchUp(ctx context.Context, round uint64, quarter domain.Quarter) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	rec := e.accountRecord()

	if err := e.syncBefore(ctx, round); err != nil {
		e.logger.Error("catch-up fill sync failed", zap.Error(err))
		return
	}

	for r := rec.LastAuditRound + 1; r <= round; r++ {
		if r <= rec.RoundJoined {
			continue
		}
		if r == round && quarter < domain.QuarterAudit {
			break
		}
		if err := e.Audit(ctx, r); err != nil {
			e.logger.Error("catch-up audit failed", zap.Uint64("round", r), zap.Error(err))
			return
		}
	}

	if round > rec.RoundJoined {
		if err := e.sweepWithdrawals(ctx, round); err != nil {
			e.logger.Error("catch-up withdrawal sweep failed", zap.Error(err))
		}
	}
}
