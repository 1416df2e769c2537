// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch fans consumed messages out to subscribed connections.
// Messages are routed to workers by (topic, partition), so every partition's
// deliveries stay in order without cross-worker coordination.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/streamflux/connection"
	"github.com/absmach/streamflux/consumer"
	"github.com/absmach/streamflux/protocol"
	"github.com/absmach/streamflux/server/otel"
	"github.com/absmach/streamflux/subscription"
)

// ErrStopped is returned for dispatches after shutdown so the caller can
// leave the message uncommitted.
var ErrStopped = errors.New("dispatcher stopped")

// Config holds dispatcher tunables.
type Config struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns production dispatcher defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 256}
}

// Dispatcher matches inbound messages against the subscription index and
// enqueues deliveries on matching connections.
type Dispatcher struct {
	cfg      Config
	index    *subscription.Index
	registry *connection.Registry
	metrics  *otel.Metrics
	logger   *slog.Logger

	workers []chan consumer.Inbound
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. metrics may be nil.
func NewDispatcher(cfg Config, index *subscription.Index, registry *connection.Registry, metrics *otel.Metrics, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg,
		index:    index,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		workers:  make([]chan consumer.Inbound, cfg.Workers),
		stop:     make(chan struct{}),
	}
	for i := range d.workers {
		d.workers[i] = make(chan consumer.Inbound, cfg.QueueSize)
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for _, ch := range d.workers {
		d.wg.Add(1)
		go d.run(ch)
	}
}

// Stop halts the workers. Messages still queued are abandoned uncommitted
// and will be redelivered by the broker.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

// Dispatch hands a message to the worker owning its (topic, partition). It
// blocks when that worker's queue is full, which backpressures the consumer.
// Satisfies consumer.Handler.
func (d *Dispatcher) Dispatch(ctx context.Context, msg consumer.Inbound) error {
	ch := d.workers[workerFor(msg.Topic, msg.Partition, len(d.workers))]
	select {
	case <-d.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case ch <- msg:
		return nil
	}
}

func (d *Dispatcher) run(ch <-chan consumer.Inbound) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case msg := <-ch:
			d.fanout(msg)
		}
	}
}

// fanout delivers one message to every connection whose filter matches. A
// full outbound queue drops the delivery for that connection only; once a
// queue has stayed full past the slow-consumer threshold the connection is
// closed.
func (d *Dispatcher) fanout(msg consumer.Inbound) {
	start := time.Now()
	ids := d.index.Match(msg.Topic, msg.Payload)
	d.metrics.RecordDispatched(msg.Topic, len(ids))
	if len(ids) == 0 {
		return
	}

	delivery := protocol.Delivery{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ProducedAt: msg.ProducedAt,
	}
	delivered := 0
	for _, id := range ids {
		conn, ok := d.registry.Get(id)
		if !ok {
			continue
		}
		switch err := conn.Enqueue(delivery); {
		case err == nil:
			delivered++
		case errors.Is(err, connection.ErrQueueFull):
			d.metrics.RecordDropped(msg.Topic, 1)
			if conn.OverflowedFor() > d.registry.SlowConsumerAfter() {
				d.logger.Warn("closing slow consumer",
					slog.String("connection_id", id),
					slog.String("topic", msg.Topic),
					slog.Int64("dropped", conn.Dropped()))
				d.registry.Close(id, connection.ReasonSlowConsumer)
			}
		}
	}
	d.metrics.RecordDelivered(msg.Topic, int64(delivered))
	d.metrics.RecordDispatchDuration(msg.Topic, float64(time.Since(start).Microseconds())/1000)
}

func workerFor(topic string, partition int32, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(int(partition))))
	return int(h.Sum32()) % workers
}
