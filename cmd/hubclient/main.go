// Command hubclient connects one or more wallets to a commit-chain hub and keeps them
// synchronized with the on-chain mediator: it syncs fills, audits the operator's proofs,
// opens disputes, confirms withdrawals and recovers funds when the mediator halts.
//
// Usage:
//
//	hubclient --config config.yaml
//	hubclient --hub https://hub.example.com --rpc wss://rpc.example.com --mediator 0x.. --operator 0x..
//
// The wallet private key is read from HUBCLIENT_PRIVATE_KEY unless the config names another
// environment variable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/hubclient/config"
	"github.com/vadiminshakov/hubclient/internal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const restartWait = 30 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configs, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, conf := range configs {
		g.Go(func() error {
			return runInstance(gctx, conf, logger)
		})
		logger.Info("started", zap.String("instance", conf.Name), zap.String("hub", conf.HubURL))
	}

	if err := g.Wait(); err != nil {
		logger.Error("hubclient stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("hubclient stopped")
}

// runInstance keeps one wallet connected, recreating it after recoverable failures.
func runInstance(ctx context.Context, conf config.Config, logger *zap.Logger) error {
	for {
		err := runOnce(ctx, conf, logger)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if fatal(err) {
			return errors.Wrapf(err, "instance %s", conf.Name)
		}

		logger.Error("instance failed, restarting",
			zap.String("instance", conf.Name),
			zap.Duration("after", restartWait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartWait):
		}
	}
}

func runOnce(ctx context.Context, conf config.Config, logger *zap.Logger) error {
	inst, err := internal.NewInstance(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer inst.Close()

	return inst.Run(ctx)
}

// fatal errors mean the configuration is wrong and retrying cannot help.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrMediatorMismatch) ||
		errors.Is(err, domain.ErrSignatureInvalid) ||
		errors.Is(err, domain.ErrAuthorizationInvalid)
}
