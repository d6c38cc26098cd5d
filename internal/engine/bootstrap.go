package engine

import (
	"context"
	"fmt"

	"logferry/channel"
	"logferry/internal/checkpoint"
	"logferry/internal/config"
	"logferry/internal/consumer"
	"logferry/internal/decode"
	"logferry/internal/logging"
	"logferry/internal/objectstore"
	"logferry/internal/pipeline"
	"logferry/internal/task"
	"logferry/internal/transport"
	"logferry/sink"
)

// Bootstrap wires stores, channels, the sink and the pipeline from cfg.
// Nothing is received until Run or RunOnce is called.
func Bootstrap(ctx context.Context, cfg config.Config) (_ *Engine, err error) {
	logging.Configure(cfg.Log)
	log := logging.L()
	e := &Engine{cfg: cfg}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	// 1. offset tracker and object store
	if e.checkpoints, err = checkpoint.Open(ctx, log, cfg.Checkpoint); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	e.closers = append(e.closers, e.checkpoints.Close)

	objects, err := objectstore.Open(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	router, err := decode.NewRouter(cfg.Processing.Routes, cfg.Processing.DefaultFormat)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	// 2. sink
	out, err := sink.NewAdapter(cfg.Sink.Driver)
	if err != nil {
		return nil, err
	}
	if err := out.Configure(sinkConfig(cfg.Sink)); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, out.Close)

	// 3. channels
	if e.channels, err = channel.NewDriver(cfg.Channel.Driver); err != nil {
		return nil, err
	}
	if err := e.channels.Configure(channelConfig(cfg.Channel)); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.channels.Close)

	var pub pipeline.Publishers
	for _, p := range []struct {
		queue string
		dst   *channel.Publisher
	}{
		{cfg.Channel.Continuation, &pub.Continuation},
		{cfg.Channel.Replay, &pub.Replay},
		{cfg.Channel.DeadLetter, &pub.DeadLetter},
	} {
		if *p.dst, err = e.channels.Publisher(p.queue); err != nil {
			return nil, fmt.Errorf("publisher %s: %w", p.queue, err)
		}
		e.closers = append(e.closers, (*p.dst).Close)
	}

	var sources []consumer.Source
	for _, s := range []struct {
		queue string
		kind  task.Kind
	}{
		{cfg.Channel.Notifications, task.KindFresh},
		{cfg.Channel.Continuation, task.KindContinuation},
		{cfg.Channel.Replay, task.KindReplay},
	} {
		rcv, err := e.channels.Receiver(s.queue)
		if err != nil {
			return nil, fmt.Errorf("receiver %s: %w", s.queue, err)
		}
		e.closers = append(e.closers, rcv.Close)
		sources = append(sources, consumer.Source{Queue: s.queue, Kind: s.kind, Receiver: rcv})
	}

	// 4. pipeline and consumer
	pc := cfg.Processing
	proc := pipeline.New(pipeline.Config{
		Strict:      pc.Strict,
		LineLimit:   pc.LineLimit,
		Batch:       cfg.Sink.Batch,
		MaxAttempts: pc.MaxAttempts,
		ReplayDelay: pc.ReplayDelay,
		CheckEvery:  pc.CheckEvery,
	}, objects, e.checkpoints, router, out, pub)

	e.consumer = consumer.New(consumer.Config{
		Workers:      pc.Workers,
		ReceiveBatch: pc.ReceiveBatch,
		TimeBudget:   pc.TimeBudget,
		SafetyMargin: pc.SafetyMargin,
	}, proc, pub.DeadLetter, sources)

	// 5. admin transport
	if cfg.Admin.GRPCPort != 0 {
		if e.transport, err = transport.StartServer(cfg.Admin.GRPCPort); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		e.closers = append(e.closers, func() error { e.transport.Stop(); return nil })
	}

	log.Info("engine ready",
		"sink", cfg.Sink.Driver, "channel", cfg.Channel.Driver,
		"checkpoint", cfg.Checkpoint.Driver, "objectstore", cfg.ObjectStore.Driver)
	return e, nil
}

func sinkConfig(c config.SinkConfig) any {
	switch c.Driver {
	case "elasticsearch":
		return c.Elasticsearch
	case "kafka":
		return c.Kafka
	default:
		return c.Stdout
	}
}

func channelConfig(c config.ChannelConfig) any {
	switch c.Driver {
	case "kafka":
		return c.Kafka
	case "sqs":
		return c.SQS
	default:
		return c.Memory
	}
}
