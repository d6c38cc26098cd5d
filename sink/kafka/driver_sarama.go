package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"logferry/internal/failure"
	"logferry/sink"
)

type Config struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	Acks     int16    `koanf:"required_acks"` // 0,1,-1
	ClientID string   `koanf:"client_id"`

	// NewProducer overrides producer construction; used by tests.
	NewProducer func(brokers []string, sc *sarama.Config) (sarama.SyncProducer, error) `koanf:"-"`
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config")
	}
	if cfg.Topic == "" || len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka-sink: brokers and topic are required")
	}
	d.cfg = cfg

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 0
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	newProducer := cfg.NewProducer
	if newProducer == nil {
		newProducer = sarama.NewSyncProducer
	}
	var err error
	d.p, err = newProducer(cfg.Brokers, sc)
	return err
}

func (d *driver) Write(_ context.Context, b sink.Batch) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(b.Records))
	for _, r := range b.Records {
		val, err := json.Marshal(r.Fields)
		if err != nil {
			return failure.Permanent(fmt.Errorf("kafka-sink: encode record %d: %w", r.Seq, err))
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: d.cfg.Topic,
			Key:   sarama.StringEncoder(sink.DocumentID(b.Object, r.Seq)),
			Value: sarama.ByteEncoder(val),
		})
	}
	err := d.p.SendMessages(msgs)
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return failure.Permanent(fmt.Errorf("kafka-sink: %w", err))
	}
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) {
		for _, pe := range perrs {
			if isPermanent(pe.Err) {
				return failure.Permanent(fmt.Errorf("kafka-sink: %w", err))
			}
		}
	}
	return failure.Transient(fmt.Errorf("kafka-sink: %w", err))
}

func isPermanent(err error) bool {
	return errors.Is(err, sarama.ErrMessageSizeTooLarge) ||
		errors.Is(err, sarama.ErrInvalidMessage) ||
		errors.Is(err, sarama.ErrTopicAuthorizationFailed)
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	p := d.p
	d.p = nil
	return p.Close()
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
