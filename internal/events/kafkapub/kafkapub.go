// Package kafkapub publishes validated transcript segments and collected Q&A
// pairs to Kafka.
//
// Without brokers the publisher runs in log-only mode: events are encoded
// and logged at Debug, nothing leaves the process.
package kafkapub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/consultflow/internal/qa"
)

// Config selects brokers and topics.
type Config struct {
	Brokers       []string
	SegmentsTopic string
	PairsTopic    string
	// Source is sent as the "source" header of every message.
	Source string
}

// SegmentEvent is a validated transcript segment.
type SegmentEvent struct {
	SessionID    string    `json:"sessionId"`
	Text         string    `json:"text"`
	NeedsNewline bool      `json:"needsNewline,omitempty"`
	At           time.Time `json:"at"`
}

// PairEvent is a collected Q&A pair.
type PairEvent struct {
	SessionID string    `json:"sessionId"`
	Pair      qa.Pair   `json:"pair"`
	At        time.Time `json:"at"`
}

// writer is the subset of *kafka.Writer the publisher uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is safe for concurrent use.
type Publisher struct {
	segments writer
	pairs    writer
	source   string
}

// New creates a publisher. An empty broker list yields a log-only publisher.
func New(cfg Config) *Publisher {
	if len(cfg.Brokers) == 0 {
		slog.Info("kafkapub: no brokers configured, log-only mode")
		return &Publisher{source: cfg.Source}
	}
	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}
	slog.Info("kafkapub: publisher initialised",
		"brokers", cfg.Brokers,
		"segmentsTopic", cfg.SegmentsTopic,
		"pairsTopic", cfg.PairsTopic)
	return &Publisher{
		segments: newWriter(cfg.SegmentsTopic),
		pairs:    newWriter(cfg.PairsTopic),
		source:   cfg.Source,
	}
}

// Enabled reports whether events are sent to brokers.
func (p *Publisher) Enabled() bool { return p.segments != nil }

// PublishSegment sends e keyed by session, so one consultation stays on one
// partition.
func (p *Publisher) PublishSegment(ctx context.Context, e SegmentEvent) error {
	return p.publish(ctx, p.segments, "segment", e.SessionID, e)
}

// PublishPair sends e keyed by session.
func (p *Publisher) PublishPair(ctx context.Context, e PairEvent) error {
	return p.publish(ctx, p.pairs, "pair", e.SessionID, e)
}

func (p *Publisher) publish(ctx context.Context, w writer, kind, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafkapub: marshal %s: %w", kind, err)
	}
	if w == nil {
		slog.Debug("kafkapub: event", "kind", kind, "key", key, "payload", string(payload))
		return nil
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(kind)},
			{Key: "source", Value: []byte(p.source)},
		},
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkapub: publish %s: %w", kind, err)
	}
	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	var errs []error
	for _, w := range []writer{p.segments, p.pairs} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
