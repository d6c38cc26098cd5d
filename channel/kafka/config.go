package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

type BackPressureCfg struct {
	Capacity int64 `koanf:"capacity"` // max unacknowledged deliveries per queue
}

type CheckpointCfg struct {
	CommitInt time.Duration `koanf:"commit_interval"` // flush cadence
}

type Config struct {
	Brokers   []string `koanf:"brokers"`
	GroupID   string   `koanf:"group_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version"`
	ClientID  string   `koanf:"client_id"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	PollWait time.Duration `koanf:"poll_wait"`
	// VisibilityTimeout is how long a received delivery may stay unacked
	// before Receive hands it out again.
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`

	BackPressure BackPressureCfg `koanf:"backpressure"`
	Checkpoint   CheckpointCfg   `koanf:"checkpoint"`

	// Test hooks.
	NewProducer      func(brokers []string, sc *sarama.Config) (sarama.SyncProducer, error)        `koanf:"-"`
	NewConsumerGroup func(brokers []string, group string, sc *sarama.Config) (sarama.ConsumerGroup, error) `koanf:"-"`
}

func applyDefaults(c *Config) {
	if c.BackPressure.Capacity <= 0 {
		c.BackPressure.Capacity = 1_000
	}
	if c.Checkpoint.CommitInt <= 0 {
		c.Checkpoint.CommitInt = 5 * time.Second
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.GroupID == "" {
		c.GroupID = "logferry"
	}
	if c.NewProducer == nil {
		c.NewProducer = sarama.NewSyncProducer
	}
	if c.NewConsumerGroup == nil {
		c.NewConsumerGroup = sarama.NewConsumerGroup
	}
}

func (c Config) sarama() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.Version != "" {
		ver, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Consumer.Return.Errors = true
	if c.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if c.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = c.SASLUser, c.SASLPass
	}
	switch c.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	return sc, nil
}
