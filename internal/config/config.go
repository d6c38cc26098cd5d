// Package config loads the logferry configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"logferry/channel"
	chkafka "logferry/channel/kafka"
	"logferry/channel/memory"
	"logferry/channel/sqs"
	"logferry/internal/batch"
	"logferry/internal/checkpoint"
	"logferry/internal/decode"
	"logferry/internal/logging"
	"logferry/internal/objectstore"
	"logferry/sink/elasticsearch"
	sinkkafka "logferry/sink/kafka"
	"logferry/sink/stdout"
)

const SupportedSchema = "v1"

// EnvPrefix selects the environment overrides; "__" separates levels, so
// LOGFERRY__SINK__MAX_BATCH_RECORDS sets sink.max_batch_records.
const EnvPrefix = "LOGFERRY__"

type Config struct {
	SchemaVersion string             `koanf:"schema_version"`
	Log           logging.Options    `koanf:"log"`
	Sink          SinkConfig         `koanf:"sink"`
	Checkpoint    checkpoint.Config  `koanf:"checkpoint"`
	ObjectStore   objectstore.Config `koanf:"objectstore"`
	Channel       ChannelConfig      `koanf:"channel"`
	Processing    ProcessingConfig   `koanf:"processing"`
	Admin         AdminConfig        `koanf:"admin"`
}

type SinkConfig struct {
	Driver string `koanf:"driver"` // elasticsearch|kafka|stdout

	// max_batch_records, max_batch_bytes, max_attempts, initial_backoff, max_backoff
	Batch batch.Config `koanf:",squash"`

	Elasticsearch elasticsearch.Config `koanf:"elasticsearch"`
	Kafka         sinkkafka.Config     `koanf:"kafka"`
	Stdout        stdout.Config        `koanf:"stdout"`
}

type ChannelConfig struct {
	Driver string `koanf:"driver"` // sqs|kafka|memory

	Notifications string `koanf:"notifications"`
	Continuation  string `koanf:"continuation"`
	Replay        string `koanf:"replay"`
	DeadLetter    string `koanf:"dead_letter"`

	SQS    sqs.Config     `koanf:"sqs"`
	Kafka  chkafka.Config `koanf:"kafka"`
	Memory memory.Config  `koanf:"memory"`
}

type ProcessingConfig struct {
	Strict        bool          `koanf:"strict"`
	LineLimit     int           `koanf:"line_limit"`
	Routes        []decode.Rule `koanf:"routes"`
	RoutesFile    string        `koanf:"routes_file"`
	DefaultFormat decode.Format `koanf:"default_format"`

	TimeBudget   time.Duration `koanf:"time_budget"`
	SafetyMargin time.Duration `koanf:"safety_margin"`
	CheckEvery   int           `koanf:"check_every"`

	MaxAttempts  int           `koanf:"max_attempts"`
	ReplayDelay  time.Duration `koanf:"replay_delay"`
	Workers      int           `koanf:"workers"`
	ReceiveBatch int           `koanf:"receive_batch"`
}

type AdminConfig struct {
	MetricsPort int `koanf:"metrics_port"` // 0 disables /metrics
	GRPCPort    int `koanf:"grpc_port"`    // 0 disables the health server
}

// Load merges YAML (if present) with env-vars, applies defaults and
// validates the result. Routes from processing.routes_file are appended to
// the inline routes.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if sv := k.String("schema_version"); sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want %q)", sv, SupportedSchema)
	}

	err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}

	if rf := cfg.Processing.RoutesFile; rf != "" {
		if !filepath.IsAbs(rf) && path != "" {
			rf = filepath.Join(filepath.Dir(path), rf)
		}
		routes, err := LoadRoutes(rf)
		if err != nil {
			return cfg, err
		}
		cfg.Processing.Routes = append(cfg.Processing.Routes, routes...)
		cfg.Processing.RoutesFile = rf
	}

	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(c *Config) {
	if c.SchemaVersion == "" {
		c.SchemaVersion = SupportedSchema
	}
	if c.Sink.Driver == "" {
		c.Sink.Driver = "elasticsearch"
	}
	if c.Sink.Driver == "elasticsearch" {
		if len(c.Sink.Elasticsearch.Addresses) == 0 {
			c.Sink.Elasticsearch.Addresses = []string{"http://localhost:9200"}
		}
		if c.Sink.Elasticsearch.Destination == "" {
			c.Sink.Elasticsearch.Destination = elasticsearch.DefaultDestination
		}
	}
	b := &c.Sink.Batch
	if b.MaxRecords <= 0 {
		b.MaxRecords = 500
	}
	if b.MaxBytes <= 0 {
		b.MaxBytes = 5 << 20
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite"
	}
	if c.Checkpoint.Driver == "sqlite" && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = "logferry-checkpoints.db"
	}
	if c.ObjectStore.Driver == "" {
		c.ObjectStore.Driver = "s3"
	}

	ch := &c.Channel
	if ch.Driver == "" {
		ch.Driver = "sqs"
	}
	if ch.Notifications == "" {
		ch.Notifications = "logferry-notifications"
	}
	if ch.Continuation == "" {
		ch.Continuation = "logferry-continuation"
	}
	if ch.Replay == "" {
		ch.Replay = "logferry-replay"
	}
	if ch.DeadLetter == "" {
		ch.DeadLetter = "logferry-dead-letter"
	}

	p := &c.Processing
	if len(p.Routes) == 0 {
		p.Routes = decode.DefaultRules
	}
	if p.LineLimit <= 0 {
		p.LineLimit = decode.DefaultLineLimit
	}
	if p.SafetyMargin == 0 {
		p.SafetyMargin = 30 * time.Second
	}
	if p.CheckEvery <= 0 {
		p.CheckEvery = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.ReplayDelay == 0 {
		p.ReplayDelay = time.Minute
	}
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.ReceiveBatch <= 0 {
		p.ReceiveBatch = 10
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	switch c.Sink.Driver {
	case "elasticsearch":
		errs = append(errs, c.Sink.Elasticsearch.Validate())
	case "kafka":
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			errs = append(errs, errors.New("sink.kafka: brokers and topic are required"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("sink.driver %q not supported", c.Sink.Driver))
	}
	if c.Sink.Batch.MaxBytes < 0 || c.Sink.Batch.MaxRecords < 0 {
		errs = append(errs, errors.New("sink: batch bounds must be positive"))
	}

	switch c.Channel.Driver {
	case "sqs", "memory":
	case "kafka":
		if len(c.Channel.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("channel.kafka: brokers are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("channel.driver %q not supported (known: %s)",
			c.Channel.Driver, strings.Join(channel.Drivers(), ", ")))
	}
	names := map[string]string{}
	for role, q := range map[string]string{
		"notifications": c.Channel.Notifications,
		"continuation":  c.Channel.Continuation,
		"replay":        c.Channel.Replay,
		"dead_letter":   c.Channel.DeadLetter,
	} {
		if other, ok := names[q]; ok {
			errs = append(errs, fmt.Errorf("channel.%s and channel.%s share queue %q", role, other, q))
		}
		names[q] = role
	}

	p := c.Processing
	if _, err := decode.NewRouter(p.Routes, p.DefaultFormat); err != nil {
		errs = append(errs, fmt.Errorf("processing.routes: %w", err))
	}
	if p.TimeBudget < 0 || p.SafetyMargin < 0 {
		errs = append(errs, errors.New("processing: time_budget and safety_margin must not be negative"))
	}
	if p.TimeBudget > 0 && p.SafetyMargin >= p.TimeBudget {
		errs = append(errs, fmt.Errorf("processing.safety_margin %s leaves no time in time_budget %s", p.SafetyMargin, p.TimeBudget))
	}
	if c.Admin.MetricsPort != 0 && c.Admin.MetricsPort == c.Admin.GRPCPort {
		errs = append(errs, errors.New("admin: metrics_port and grpc_port must differ"))
	}
	return errors.Join(errs...)
}
