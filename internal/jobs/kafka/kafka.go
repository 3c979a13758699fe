// Package kafka carries job requests over a Kafka topic using franz-go.
// Requests are keyed by app so one app's requests stay ordered on a
// single partition.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"searchsync/internal/jobs"
	"searchsync/internal/logging"
)

const (
	DefaultTopic = "searchsync-jobs"
	DefaultGroup = "searchsync"

	kindHeader = "searchsync-kind"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka connection settings shared by Producer and Consumer.
type Config struct {
	Brokers   []string
	Topic     string
	Group     string
	ClientID  string      // identifies this process to the brokers
	TLS       bool        // TLS with the system roots
	TLSConfig *tls.Config // takes precedence over TLS
	SASL      *SASLConfig
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() error {
	var brokers []string
	for _, b := range c.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Brokers = brokers
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	c.Topic = cmp.Or(c.Topic, DefaultTopic)
	c.Group = cmp.Or(c.Group, DefaultGroup)
	c.ClientID = cmp.Or(c.ClientID, "searchsync")
	if c.SASL != nil {
		c.SASL.Mechanism = strings.ToLower(c.SASL.Mechanism)
	}
	return nil
}

func (c *Config) clientOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
	}
	switch {
	case c.TLSConfig != nil:
		opts = append(opts, kgo.DialTLSConfig(c.TLSConfig))
	case c.TLS:
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if c.SASL != nil {
		mech, err := buildSASLMechanism(c.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

func toRecord(topic string, req jobs.Request) (*kgo.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := jobs.Encode(req)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(req.App),
		Value:   payload,
		Headers: []kgo.RecordHeader{{Key: kindHeader, Value: []byte(req.Kind)}},
	}, nil
}

func fromRecord(rec *kgo.Record) (jobs.Request, error) {
	return jobs.Decode(rec.Value)
}

// Producer dispatches job requests to the topic.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

var _ jobs.Dispatcher = (*Producer)(nil)

func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	opts, err := cfg.clientOpts()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{
		client: client,
		topic:  cfg.Topic,
		logger: logging.Default(cfg.Logger).With("component", "dispatcher", "type", "kafka"),
	}, nil
}

// Dispatch produces req and waits for the brokers to acknowledge it.
func (p *Producer) Dispatch(ctx context.Context, req jobs.Request) error {
	rec, err := toRecord(p.topic, req)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce job %s: %w", req.ID, err)
	}
	p.logger.Debug("job dispatched", "id", req.ID, "kind", req.Kind, "app", req.App,
		"partition", rec.Partition, "offset", rec.Offset)
	return nil
}

func (p *Producer) Close() { p.client.Close() }

// Consumer receives job requests as a member of a consumer group.
type Consumer struct {
	cfg    Config
	logger *slog.Logger
}

var _ jobs.Receiver = (*Consumer)(nil)

func NewConsumer(cfg Config) (*Consumer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if _, err := cfg.clientOpts(); err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "receiver", "type", "kafka"),
	}, nil
}

// Receive polls the topic until ctx is cancelled. Each poll's partitions
// are handled concurrently, records within a partition in order, so how
// many jobs run at once is bounded by the partitions fetched and then by the
// worker's scheduler. A record's offset is committed after its handler
// returns, whether or not the handler failed: a failed resync is picked up
// again by the next migration check, so redelivering it here would only
// repeat the failure. Records that do not decode are logged and skipped.
func (c *Consumer) Receive(ctx context.Context, handle jobs.HandleFunc) error {
	opts, err := c.cfg.clientOpts()
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.ConsumerGroup(c.cfg.Group),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	c.logger.Info("kafka consumer started",
		"brokers", c.cfg.Brokers,
		"topic", c.cfg.Topic,
		"group", c.cfg.Group,
	)

	commit := func(ctx context.Context, rec *kgo.Record) error {
		return client.CommitRecords(ctx, rec)
	}
	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.logger.Info("kafka consumer stopping")
			return nil
		}
		if fetches.IsClientClosed() {
			return nil
		}
		for _, e := range fetches.Errors() {
			c.logger.Warn("kafka fetch error",
				"topic", e.Topic,
				"partition", e.Partition,
				"error", e.Err,
			)
		}
		c.handleFetches(ctx, fetches, handle, commit)
	}
}

// handleFetches runs one goroutine per fetched partition and returns when
// all of them are done.
func (c *Consumer) handleFetches(ctx context.Context, fetches kgo.Fetches, handle jobs.HandleFunc, commit func(context.Context, *kgo.Record) error) {
	var wg sync.WaitGroup
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		wg.Go(func() {
			for _, rec := range p.Records {
				if ctx.Err() != nil {
					// Leave the offset uncommitted so the request is redelivered.
					return
				}
				req, err := fromRecord(rec)
				if err != nil {
					c.logger.Error("dropping undecodable job record",
						"partition", rec.Partition, "offset", rec.Offset, "error", err)
				} else if err := handle(ctx, req); err != nil {
					c.logger.Error("job failed", "id", req.ID, "kind", req.Kind, "app", req.App, "error", err)
				}
				if ctx.Err() != nil {
					return
				}
				if err := commit(ctx, rec); err != nil {
					c.logger.Warn("commit failed", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				}
			}
		})
	})
	wg.Wait()
}
