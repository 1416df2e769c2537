// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer ingests broker messages for every registered topic and
// hands decoded events to the dispatcher. Offsets are committed only after
// the handler has accepted the message.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/absmach/streamflux/server/otel"
	"github.com/absmach/streamflux/topics"
)

// Config holds consumer pool settings.
type Config struct {
	Brokers           []string      `yaml:"brokers"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	MaxDecodeFailures int           `yaml:"max_decode_failures"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// DefaultConfig returns production consumer defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		ConsumerGroup:     "streamflux",
		MaxDecodeFailures: 3,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
	}
}

// NewKafkaSubscriber builds the production subscriber. One subscriber in a
// shared consumer group serves every topic loop, so partitions rebalance
// across instances.
func NewKafkaSubscriber(cfg Config, logger *slog.Logger) (message.Subscriber, error) {
	sub, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:       cfg.Brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: cfg.ConsumerGroup,
		},
		watermill.NewSlogLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka subscriber: %w", err)
	}
	return sub, nil
}

// Inbound is one decoded broker message.
type Inbound struct {
	Topic      string
	Partition  int32
	Offset     int64
	Payload    map[string]any
	ProducedAt time.Time
}

// Handler accepts a decoded message. A nil return acknowledges the offset.
type Handler func(ctx context.Context, msg Inbound) error

type offsetKey struct {
	partition int32
	offset    int64
}

// Pool runs one consume loop per registered topic on a shared subscriber.
type Pool struct {
	cfg     Config
	sub     message.Subscriber
	catalog *topics.Registry
	handler Handler
	metrics *otel.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	failures map[string]map[offsetKey]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a consumer pool. metrics may be nil.
func NewPool(cfg Config, sub message.Subscriber, catalog *topics.Registry, handler Handler, metrics *otel.Metrics, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxDecodeFailures <= 0 {
		cfg.MaxDecodeFailures = def.MaxDecodeFailures
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		sub:      sub,
		catalog:  catalog,
		handler:  handler,
		metrics:  metrics,
		logger:   logger,
		failures: make(map[string]map[offsetKey]int),
	}
}

// Start launches one consume loop per topic in the catalog.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, name := range p.catalog.Names() {
		p.wg.Add(1)
		go p.consume(ctx, name)
	}
}

// Stop cancels the consume loops and waits for them to exit; the subscriber
// itself is closed by the caller that created it.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// newBackOff builds the jittered reconnect schedule. A fresh instance after
// a healthy subscribe is what resets the interval.
func (p *Pool) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.ReconnectBase
	bo.MaxInterval = p.cfg.ReconnectMax
	bo.RandomizationFactor = 1
	return bo
}

// consume subscribes to one topic and processes its stream until the context
// is canceled. A closed message channel means the broker connection or group
// membership was lost; the loop resubscribes with jittered exponential
// backoff and resets the backoff after a healthy subscribe.
func (p *Pool) consume(ctx context.Context, topic string) {
	defer p.wg.Done()

	bo := p.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := p.sub.Subscribe(ctx, topic)
		if err != nil {
			wait := bo.NextBackOff()
			p.logger.Error("subscribe failed, retrying",
				slog.String("topic", topic),
				slog.Duration("retry_in", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo = p.newBackOff()
		p.logger.Info("consuming", slog.String("topic", topic))

		for msg := range msgs {
			p.process(ctx, topic, msg)
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		p.logger.Warn("consumer stream closed, reconnecting",
			slog.String("topic", topic),
			slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// process decodes and dispatches one message. The ack, which commits the
// offset, happens only after the handler accepted the message, so a crash
// between receive and handoff replays rather than loses.
func (p *Pool) process(ctx context.Context, topic string, msg *message.Message) {
	in := Inbound{Topic: topic, ProducedAt: time.Now()}
	if part, ok := kafka.MessagePartitionFromCtx(msg.Context()); ok {
		in.Partition = part
	}
	if off, ok := kafka.MessagePartitionOffsetFromCtx(msg.Context()); ok {
		in.Offset = off
	}
	if ts, ok := kafka.MessageTimestampFromCtx(msg.Context()); ok {
		in.ProducedAt = ts
	}

	if err := json.Unmarshal(msg.Payload, &in.Payload); err != nil {
		p.metrics.RecordDecodeFailure(topic)
		if p.poisoned(topic, in.Partition, in.Offset) {
			p.metrics.RecordQuarantined(topic)
			p.logger.Error("quarantining undecodable message",
				slog.String("topic", topic),
				slog.Int("partition", int(in.Partition)),
				slog.Int64("offset", in.Offset),
				slog.Any("error", err))
			msg.Ack()
			return
		}
		p.logger.Warn("decode failure, message will be retried",
			slog.String("topic", topic),
			slog.Int64("offset", in.Offset),
			slog.Any("error", err))
		msg.Nack()
		return
	}
	p.clearFailures(topic, in.Partition, in.Offset)

	if err := p.handler(ctx, in); err != nil {
		p.logger.Warn("handler rejected message",
			slog.String("topic", topic),
			slog.Int64("offset", in.Offset),
			slog.Any("error", err))
		msg.Nack()
		return
	}
	msg.Ack()
}

// poisoned counts consecutive decode failures at the same offset and reports
// whether the quarantine threshold is reached.
func (p *Pool) poisoned(topic string, partition int32, offset int64) bool {
	key := offsetKey{partition: partition, offset: offset}
	p.mu.Lock()
	defer p.mu.Unlock()
	byOffset, ok := p.failures[topic]
	if !ok {
		byOffset = make(map[offsetKey]int)
		p.failures[topic] = byOffset
	}
	byOffset[key]++
	if byOffset[key] >= p.cfg.MaxDecodeFailures {
		delete(byOffset, key)
		return true
	}
	return false
}

func (p *Pool) clearFailures(topic string, partition int32, offset int64) {
	p.mu.Lock()
	delete(p.failures[topic], offsetKey{partition: partition, offset: offset})
	p.mu.Unlock()
}
