// Package kafka fans committed ledger events out to a Kafka topic.
//
// Records are keyed by batch id so one batch's history stays on one partition in log
// order. Role events are keyed by principal. Production is asynchronous: the ledger
// never waits on the broker, and delivery failures trip a circuit breaker that sheds
// records until the broker recovers. Consumers that need completeness re-read the log.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"halalledger/internal/ledger/models"
	"halalledger/pkg/platform/circuit"
	"halalledger/pkg/platform/sentinel"
)

const (
	HeaderKind     = "ledger-kind"
	HeaderLedgerID = "ledger-id"
	HeaderPosition = "ledger-position"
)

// Publisher implements service.Sink.
type Publisher struct {
	client  *kgo.Client
	topic   string
	owned   bool
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*Publisher)

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// New creates a producer for topic on brokers. Connections are established lazily.
func New(brokers []string, topic string, opts ...Option) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	p := NewWithClient(client, topic, opts...)
	p.owned = true
	return p, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client *kgo.Client, topic string, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		topic:   topic,
		breaker: circuit.New("kafka-publisher"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureTopic creates the topic if it does not exist.
func (p *Publisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	admin := kadm.NewClient(p.client)
	resp, err := admin.CreateTopic(ctx, partitions, replication, nil, p.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", p.topic, resp.Err)
	}
	return nil
}

func (p *Publisher) Name() string { return "kafka" }

// Publish enqueues the event and returns without waiting for the broker.
func (p *Publisher) Publish(ctx context.Context, e models.Event) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("kafka circuit open: %w", sentinel.ErrUnavailable)
	}
	rec, err := Record(p.topic, e)
	if err != nil {
		return err
	}
	// The record outlives the request that committed the event.
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			if _, change := p.breaker.RecordFailure(); change.Opened {
				p.logger.Warn("kafka circuit opened", "topic", r.Topic, "error", err)
			}
			p.logger.Warn("failed to publish ledger event", "topic", r.Topic, "key", string(r.Key), "error", err)
			return
		}
		if _, change := p.breaker.RecordSuccess(); change.Closed {
			p.logger.Info("kafka circuit closed", "topic", r.Topic)
		}
	})
	return nil
}

// Flush waits until buffered records are acknowledged or ctx ends.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes and, for clients created by New, closes the connection.
func (p *Publisher) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	if p.owned {
		p.client.Close()
	}
}

// Record renders an event as a Kafka record.
func Record(topic string, e models.Event) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", e.Position, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(Key(e)),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderKind, Value: []byte(e.Kind())},
			{Key: HeaderLedgerID, Value: []byte(e.LedgerID)},
			{Key: HeaderPosition, Value: []byte(strconv.FormatUint(e.Position, 10))},
		},
	}, nil
}

// Key is the partitioning key of an event.
func Key(e models.Event) string {
	if id, ok := e.BatchID(); ok {
		return "batch:" + id.String()
	}
	switch p := e.Payload.(type) {
	case models.RoleGranted:
		return "role:" + p.Principal.String()
	case models.RoleRevoked:
		return "role:" + p.Principal.String()
	}
	return ""
}

// Decode parses a record produced by Publish.
func Decode(r *kgo.Record) (models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(r.Value, &e); err != nil {
		return models.Event{}, fmt.Errorf("decode ledger event: %w", err)
	}
	return e, nil
}
