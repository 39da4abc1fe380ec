// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxrule/actor"
	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/engine"
	"github.com/absmach/fluxrule/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	_ actor.Observer       = (*Metrics)(nil)
	_ queue.PackObserver   = (*Metrics)(nil)
	_ engine.RouteObserver = (*Metrics)(nil)
)

// Metrics holds the OpenTelemetry instruments of the rule engine. A nil
// *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// Counters
	dispatcherTasks metric.Int64Counter
	actorMessages   metric.Int64Counter
	actorFailures   metric.Int64Counter
	routedLocal     metric.Int64Counter
	routedRemote    metric.Int64Counter
	routeFailures   metric.Int64Counter
	packsStarted    metric.Int64Counter
	packsCompleted  metric.Int64Counter
	packEntries     metric.Int64Counter
	ackRetries      metric.Int64Counter

	// UpDownCounters (Gauges)
	actorsActive metric.Int64UpDownCounter

	// Histograms
	packDuration metric.Float64Histogram
	packSize     metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxrule"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dispatcherTasks, "fluxrule.dispatcher.tasks", "Mailbox processing passes run by dispatcher"},
		{&m.actorMessages, "fluxrule.actor.messages", "Messages processed by actors"},
		{&m.actorFailures, "fluxrule.actor.failures", "Messages whose handler failed or panicked"},
		{&m.routedLocal, "fluxrule.route.local", "Messages delivered to local actors"},
		{&m.routedRemote, "fluxrule.route.forwarded", "Messages forwarded to the owning member"},
		{&m.routeFailures, "fluxrule.route.failures", "Messages that could not be routed"},
		{&m.packsStarted, "fluxrule.packs.started", "Packs started by broker consumers"},
		{&m.packsCompleted, "fluxrule.packs.completed", "Packs completed and released"},
		{&m.packEntries, "fluxrule.pack.entries", "Pack entries by terminal state"},
		{&m.ackRetries, "fluxrule.broker.ack.retries", "Broker acknowledgements retried"},
	}
	for _, c := range counters {
		ctr, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	m.actorsActive, err = m.meter.Int64UpDownCounter(
		"fluxrule.actors.active",
		metric.WithDescription("Number of running actors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create actorsActive gauge: %w", err)
	}

	m.packDuration, err = m.meter.Float64Histogram(
		"fluxrule.pack.duration.ms",
		metric.WithDescription("Time from pack start to release in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packDuration histogram: %w", err)
	}

	m.packSize, err = m.meter.Int64Histogram(
		"fluxrule.pack.size",
		metric.WithDescription("Messages per pack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packSize histogram: %w", err)
	}

	return m, nil
}

func kindAttr(kind core.ActorKind) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", string(kind)))
}

// TaskExecuted records one mailbox pass on dispatcher.
func (m *Metrics) TaskExecuted(dispatcher string) {
	if m == nil {
		return
	}
	m.dispatcherTasks.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("dispatcher", dispatcher),
	))
}

// MessageProcessed records a handled actor message.
func (m *Metrics) MessageProcessed(kind core.ActorKind, msgType string) {
	if m == nil {
		return
	}
	m.actorMessages.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("msg_type", msgType),
	))
}

// MessageFailed records a failed actor message.
func (m *Metrics) MessageFailed(kind core.ActorKind, msgType string) {
	if m == nil {
		return
	}
	m.actorFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("msg_type", msgType),
	))
}

// ActorStarted records a started actor.
func (m *Metrics) ActorStarted(kind core.ActorKind) {
	if m == nil {
		return
	}
	m.actorsActive.Add(context.Background(), 1, kindAttr(kind))
}

// ActorStopped records a stopped actor.
func (m *Metrics) ActorStopped(kind core.ActorKind) {
	if m == nil {
		return
	}
	m.actorsActive.Add(context.Background(), -1, kindAttr(kind))
}

func classAttr(class string) metric.AddOption {
	return metric.WithAttributes(attribute.String("class", class))
}

// RoutedLocal records a message delivered locally.
func (m *Metrics) RoutedLocal(class string) {
	if m == nil {
		return
	}
	m.routedLocal.Add(context.Background(), 1, classAttr(class))
}

// RoutedRemote records a message forwarded to its owner.
func (m *Metrics) RoutedRemote(class string) {
	if m == nil {
		return
	}
	m.routedRemote.Add(context.Background(), 1, classAttr(class))
}

// RouteFailed records a message that could not be routed.
func (m *Metrics) RouteFailed(class string) {
	if m == nil {
		return
	}
	m.routeFailures.Add(context.Background(), 1, classAttr(class))
}

// PackStarted records a new pack. Group keys are tenant ids and are not used
// as attributes.
func (m *Metrics) PackStarted(_ string, size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.packsStarted.Add(ctx, 1)
	m.packSize.Record(ctx, int64(size))
}

// PackCompleted records a released pack.
func (m *Metrics) PackCompleted(_ string, acked, failed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.packsCompleted.Add(ctx, 1)
	m.packEntries.Add(ctx, int64(acked), metric.WithAttributes(attribute.String("state", "acked")))
	m.packEntries.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("state", "failed")))
	m.packDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
}

// AckRetried records a retried broker acknowledgement.
func (m *Metrics) AckRetried(consumer string) {
	if m == nil {
		return
	}
	m.ackRetries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("consumer", consumer),
	))
}
