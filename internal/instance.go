package internal

import (
	"context"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/config"
	"github.com/vadiminshakov/hubclient/internal/clients/hub"
	"github.com/vadiminshakov/hubclient/internal/clients/mediator"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/internal/events"
	"github.com/vadiminshakov/hubclient/internal/identity"
	"github.com/vadiminshakov/hubclient/internal/protocol"
	"github.com/vadiminshakov/hubclient/internal/storage/accounts"
	"github.com/vadiminshakov/hubclient/internal/storage/ledger"
	"github.com/vadiminshakov/hubclient/internal/storage/outcomes"
	"github.com/vadiminshakov/hubclient/internal/storage/proofs"
	"github.com/vadiminshakov/hubclient/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	outcomeBuffer = 64
	hubRetryDelay = 500 * time.Millisecond
)

// engine the protocol operations an Instance drives.
type engine interface {
	Join(ctx context.Context) error
	Leave()
	Status() domain.Status
	RecoverAll(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Instance one wallet connected to a hub together with its stores and monitor.
type Instance struct {
	Config  config.Config
	engine  engine
	logger  *zap.Logger
	gateway *mediator.Gateway

	ledger   *ledger.Ledger
	accounts *accounts.WALStore
	proofs   *proofs.WALStore
	outcomes *outcomes.WALStore

	broadcaster *events.Broadcaster
	monitor     *web.Server
}

// NewInstance wires the engine of one configured wallet.
func NewInstance(ctx context.Context, conf config.Config, logger *zap.Logger) (*Instance, error) {
	wallet, err := identity.NewWallet(conf.PrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "load key from %s", conf.PrivateKeyEnv)
	}
	logger = logger.With(zap.String("instance", conf.Name))

	transport, err := hub.New(conf.HubURL,
		hub.WithTimeout(conf.HTTPTimeout),
		hub.WithRetries(conf.HTTPRetries, hubRetryDelay),
	)
	if err != nil {
		return nil, err
	}

	gateway, err := mediator.Dial(ctx, conf.EthRPCURL, conf.MediatorAddress, wallet, logger.Named("mediator"))
	if err != nil {
		return nil, err
	}
	if conf.ChainID != 0 && gateway.ChainID().Uint64() != conf.ChainID {
		gateway.Close()
		return nil, errors.Errorf("rpc endpoint serves chain %s, configured %d", gateway.ChainID(), conf.ChainID)
	}

	inst := &Instance{
		Config:      conf,
		logger:      logger,
		gateway:     gateway,
		broadcaster: events.NewBroadcaster(outcomeBuffer),
	}
	if err := inst.openStores(); err != nil {
		inst.Close()
		return nil, err
	}

	eng, err := protocol.New(protocol.Params{
		Identity:  wallet,
		Transport: transport,
		Mediator:  gateway,
		Ledger:    inst.ledger,
		Accounts:  inst.accounts,
		Proofs:    inst.proofs,
		Observer:  inst,
		Operator:  conf.OperatorAddress,
		Logger:    logger,
	})
	if err != nil {
		inst.Close()
		return nil, errors.Wrap(err, "create engine")
	}
	inst.engine = eng

	if conf.MonitorAddr != "" {
		inst.monitor = web.NewServer(conf.MonitorAddr, eng, inst.outcomes, logger.Named("monitor"))
		inst.monitor.Hub = transport
	}

	return inst, nil
}

func (i *Instance) openStores() error {
	var err error
	if i.ledger, err = ledger.Open(filepath.Join(i.Config.DataDir, "ledger")); err != nil {
		return errors.Wrap(err, "open ledger")
	}
	if i.accounts, err = accounts.NewWALStore(filepath.Join(i.Config.DataDir, "accounts")); err != nil {
		return errors.Wrap(err, "open account store")
	}
	if i.proofs, err = proofs.NewWALStore(filepath.Join(i.Config.DataDir, "proofs")); err != nil {
		return errors.Wrap(err, "open proof store")
	}
	if i.outcomes, err = outcomes.NewWALStore(filepath.Join(i.Config.DataDir, "outcomes")); err != nil {
		return errors.Wrap(err, "open outcome store")
	}
	return nil
}

// Publish persists the outcome and fans it out to subscribers.
func (i *Instance) Publish(o events.Outcome) {
	if err := i.outcomes.Save(o); err != nil {
		i.logger.Warn("failed to persist outcome", zap.String("kind", string(o.Kind)), zap.Error(err))
	}
	i.broadcaster.Publish(o)
}

// Run joins the hub and follows it until ctx is cancelled or the engine stops following the
// chain. When the mediator halted while the wallet was offline, Run recovers the wallet's funds
// and returns.
func (i *Instance) Run(ctx context.Context) error {
	sub := i.broadcaster.Subscribe()
	defer i.broadcaster.Unsubscribe(sub)

	if err := i.engine.Join(ctx); err != nil {
		if errors.Is(err, domain.ErrMediatorHalted) {
			return i.recoverHalted(ctx)
		}
		return errors.Wrapf(err, "join hub %s", i.Config.HubURL)
	}
	defer i.engine.Leave()

	status := i.engine.Status()
	i.logger.Info("following hub",
		zap.String("wallet", status.Wallet.Hex()),
		zap.Uint64("round", status.Round),
		zap.Stringer("quarter", status.Quarter),
		zap.Uint64("roundJoined", status.RoundJoined))

	g, gctx := errgroup.WithContext(ctx)
	if i.monitor != nil {
		g.Go(func() error {
			if len(i.Config.AutoTLSDomains) > 0 {
				return i.monitor.StartWithAutoTLS(gctx, i.Config.AutoTLSDomains, i.Config.AutoTLSCacheDir)
			}
			return i.monitor.Start(gctx)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-i.engine.Done():
			if err := i.engine.Err(); err != nil {
				return err
			}
			return errors.Wrap(domain.ErrNotConnected, "engine stopped following the chain")
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case o := <-sub:
				i.logOutcome(o)
			}
		}
	})

	return g.Wait()
}

func (i *Instance) recoverHalted(ctx context.Context) error {
	i.logger.Warn("mediator is halted, recovering funds")
	if err := i.engine.RecoverAll(ctx); err != nil {
		return errors.Wrap(err, "recover funds from halted mediator")
	}
	i.logger.Info("funds recovered from halted mediator")
	return nil
}

func (i *Instance) logOutcome(o events.Outcome) {
	fields := []zap.Field{
		zap.String("kind", string(o.Kind)),
		zap.Uint64("round", o.Round),
	}
	if o.Reason != "" {
		fields = append(fields, zap.String("reason", o.Reason))
	}
	i.logger.Debug("outcome", fields...)
}

// Close releases the stores and the RPC connection.
func (i *Instance) Close() {
	if i.ledger != nil {
		if err := i.ledger.Close(); err != nil {
			i.logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
	if i.accounts != nil {
		if err := i.accounts.Close(); err != nil {
			i.logger.Warn("failed to close account store", zap.Error(err))
		}
	}
	if i.proofs != nil {
		if err := i.proofs.Close(); err != nil {
			i.logger.Warn("failed to close proof store", zap.Error(err))
		}
	}
	if i.outcomes != nil {
		if err := i.outcomes.Close(); err != nil {
			i.logger.Warn("failed to close outcome store", zap.Error(err))
		}
	}
	if i.gateway != nil {
		i.gateway.Close()
	}
}
