package engine

import (
	"context"
	"errors"

	"logferry/channel"
	"logferry/internal/checkpoint"
	"logferry/internal/config"
	"logferry/internal/consumer"
	"logferry/internal/logging"
	"logferry/internal/telemetry"
	"logferry/internal/transport"
)

type Engine struct {
	cfg         config.Config
	consumer    *consumer.Consumer
	checkpoints checkpoint.Store
	channels    channel.Driver
	transport   *transport.Server

	// closed in reverse order
	closers []func() error
}

// Run polls the inbound channels until ctx is done (worker mode).
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()
	telemetry.Expose(ctx, e.cfg.Admin.MetricsPort)

	if e.transport != nil {
		go func() {
			if err := e.transport.Serve(); err != nil {
				logging.L().Error("admin server stopped", "err", err)
			}
		}()
		e.transport.SetServing(true)
		defer e.transport.SetServing(false)
	}

	err := e.consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.L().Info("engine stopped")
	return err
}

// RunOnce handles one receive batch per channel and returns (handler mode).
func (e *Engine) RunOnce(ctx context.Context) (consumer.Summary, error) {
	defer e.close()
	sum, err := e.consumer.RunOnce(ctx)
	logging.L().Info("invocation finished",
		"received", sum.Received, "acked", sum.Acked, "unacked", sum.Unacked,
		"dead_lettered", sum.DeadLettered, "duplicates", sum.Duplicates)
	return sum, err
}

func (e *Engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logging.L().Warn("close failed", "err", err)
		}
	}
	e.closers = nil
}
