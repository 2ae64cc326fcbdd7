// Package telemetry creates the relay's OpenTelemetry instruments. Without
// a meter provider installed they record nothing.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "presence-relay"

type Metrics struct {
	Joins                metric.Int64Counter
	SignalsForwarded     metric.Int64Counter
	SignalsQueued        metric.Int64Counter
	PendingReplayed      metric.Int64Counter
	ReaperPendingRemoved metric.Int64Counter
	ReaperStaleRemoved   metric.Int64Counter
	FallbackSubmitted    metric.Int64Counter
}

func New() *Metrics {
	meter := otel.Meter(meterName)
	return &Metrics{
		Joins:                counter(meter, "relay_joins_total", "Total accepted join events"),
		SignalsForwarded:     counter(meter, "relay_signals_forwarded_total", "Envelopes forwarded to a live connection"),
		SignalsQueued:        counter(meter, "relay_signals_queued_total", "Envelopes queued for an unreachable peer"),
		PendingReplayed:      counter(meter, "relay_pending_replayed_total", "Queued envelopes replayed on join"),
		ReaperPendingRemoved: counter(meter, "reaper_pending_removed_total", "Expired pending requests swept"),
		ReaperStaleRemoved:   counter(meter, "reaper_stale_removed_total", "Stale online peers removed"),
		FallbackSubmitted:    counter(meter, "fallback_messages_submitted_total", "Messages accepted over the HTTP fallback"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
