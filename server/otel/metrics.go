// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments of the streaming fanout core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	connectionsOpened  metric.Int64Counter
	connectionsClosed  metric.Int64Counter
	connectionsCurrent metric.Int64UpDownCounter

	subscriptionsActive metric.Int64UpDownCounter
	subscriptionDenials metric.Int64Counter

	messagesDispatched metric.Int64Counter
	messagesDelivered  metric.Int64Counter
	messagesDropped    metric.Int64Counter
	slowConsumerCloses metric.Int64Counter

	decodeFailures      metric.Int64Counter
	messagesQuarantined metric.Int64Counter

	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates the instrument set on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("streamflux"),
	}

	var err error

	m.connectionsOpened, err = m.meter.Int64Counter(
		"stream.connections.opened.total",
		metric.WithDescription("Total client connections opened"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsOpened counter: %w", err)
	}

	m.connectionsClosed, err = m.meter.Int64Counter(
		"stream.connections.closed.total",
		metric.WithDescription("Total client connections closed, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsClosed counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"stream.connections.current",
		metric.WithDescription("Currently open client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"stream.subscriptions.active",
		metric.WithDescription("Active topic subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.subscriptionDenials, err = m.meter.Int64Counter(
		"stream.subscriptions.denied.total",
		metric.WithDescription("Subscribe requests denied by entitlements"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionDenials counter: %w", err)
	}

	m.messagesDispatched, err = m.meter.Int64Counter(
		"stream.messages.dispatched.total",
		metric.WithDescription("Messages consumed and offered to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDispatched counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"stream.messages.delivered.total",
		metric.WithDescription("Delivery events enqueued to connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesDropped, err = m.meter.Int64Counter(
		"stream.messages.dropped.total",
		metric.WithDescription("Delivery events dropped by queue overflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDropped counter: %w", err)
	}

	m.slowConsumerCloses, err = m.meter.Int64Counter(
		"stream.connections.slow_consumer_closes.total",
		metric.WithDescription("Connections closed for sustained queue overflow"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slowConsumerCloses counter: %w", err)
	}

	m.decodeFailures, err = m.meter.Int64Counter(
		"stream.consumer.decode_failures.total",
		metric.WithDescription("Inbound messages that failed payload decoding"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decodeFailures counter: %w", err)
	}

	m.messagesQuarantined, err = m.meter.Int64Counter(
		"stream.consumer.quarantined.total",
		metric.WithDescription("Poison messages skipped after repeated decode failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesQuarantined counter: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"stream.dispatch.duration",
		metric.WithDescription("Fanout duration per inbound message in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnectionOpened increments open counters for the given protocol.
func (m *Metrics) RecordConnectionOpened(protocol string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("protocol", protocol))
	m.connectionsOpened.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, 1, attrs)
}

// RecordConnectionClosed decrements the current gauge and counts the close
// reason.
func (m *Metrics) RecordConnectionClosed(protocol, reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1, metric.WithAttributes(attribute.String("protocol", protocol)))
}

// RecordSubscriptionAdded increments the active subscription gauge.
func (m *Metrics) RecordSubscriptionAdded(topic string) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordSubscriptionRemoved decrements the active subscription gauge.
func (m *Metrics) RecordSubscriptionRemoved(topic string) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordSubscriptionDenied counts an entitlement denial.
func (m *Metrics) RecordSubscriptionDenied(topic string) {
	if m == nil {
		return
	}
	m.subscriptionDenials.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordDispatched counts one consumed message offered to subscribers.
func (m *Metrics) RecordDispatched(topic string, matched int) {
	if m == nil {
		return
	}
	m.messagesDispatched.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("matched", matched),
	))
}

// RecordDelivered counts delivery events enqueued to connections.
func (m *Metrics) RecordDelivered(topic string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.messagesDelivered.Add(context.Background(), n, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordDropped counts delivery events dropped by the overflow policy.
func (m *Metrics) RecordDropped(topic string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.messagesDropped.Add(context.Background(), n, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordSlowConsumerClose counts a connection closed for sustained overflow.
func (m *Metrics) RecordSlowConsumerClose() {
	if m == nil {
		return
	}
	m.slowConsumerCloses.Add(context.Background(), 1)
}

// RecordDecodeFailure counts a payload decode failure.
func (m *Metrics) RecordDecodeFailure(topic string) {
	if m == nil {
		return
	}
	m.decodeFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordQuarantined counts a poison message skipped after repeated decode
// failures.
func (m *Metrics) RecordQuarantined(topic string) {
	if m == nil {
		return
	}
	m.messagesQuarantined.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordDispatchDuration records fanout duration for one message.
func (m *Metrics) RecordDispatchDuration(topic string, ms float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(context.Background(), ms, metric.WithAttributes(attribute.String("topic", topic)))
}
