package websocket

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "varianceiq.websocket"

type hubMetrics struct {
	clients  metric.Int64UpDownCounter
	messages metric.Int64Counter
	dropped  metric.Int64Counter
}

// newHubMetrics registers the hub instruments on the global meter provider,
// falling back to no-op instruments if registration fails.
func newHubMetrics() (*hubMetrics, error) {
	meter := otel.Meter(meterName)

	clients, err := meter.Int64UpDownCounter("websocket_clients",
		metric.WithDescription("Number of connected WebSocket clients"))
	if err != nil {
		return noopHubMetrics(), err
	}

	messages, err := meter.Int64Counter("websocket_messages_sent_total",
		metric.WithDescription("Messages delivered to WebSocket clients"))
	if err != nil {
		return noopHubMetrics(), err
	}

	dropped, err := meter.Int64Counter("websocket_messages_dropped_total",
		metric.WithDescription("Messages dropped because a queue was full"))
	if err != nil {
		return noopHubMetrics(), err
	}

	return &hubMetrics{clients: clients, messages: messages, dropped: dropped}, nil
}

func noopHubMetrics() *hubMetrics {
	meter := noop.NewMeterProvider().Meter(meterName)
	clients, _ := meter.Int64UpDownCounter("websocket_clients")
	messages, _ := meter.Int64Counter("websocket_messages_sent_total")
	dropped, _ := meter.Int64Counter("websocket_messages_dropped_total")
	return &hubMetrics{clients: clients, messages: messages, dropped: dropped}
}

func (m *hubMetrics) clientDelta(ctx context.Context, n int64) {
	m.clients.Add(ctx, n)
}

func (m *hubMetrics) sent(ctx context.Context, msgType string, n int64) {
	if n > 0 {
		m.messages.Add(ctx, n, metric.WithAttributes(attribute.String("type", msgType)))
	}
}

func (m *hubMetrics) drop(ctx context.Context, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
