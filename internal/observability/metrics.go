package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Collector manages the relay server metrics. A nil *Collector is valid and
// records nothing, so callers never need to guard their instrumentation.
type Collector struct {
	meter metric.Meter

	eventsPublished   metric.Int64Counter
	eventsDropped     metric.Int64Counter
	connectionsTotal  metric.Int64Counter
	connectionsActive metric.Int64UpDownCounter
	subscribeResults  metric.Int64Counter
	fanoutWidth       metric.Int64Histogram
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// NewCollector creates a collector backed by an otel meter with a Prometheus
// exporter. When disabled it returns a collector whose methods are no-ops.
func NewCollector(config MetricsConfig) (*Collector, error) {
	if !config.Enabled {
		return &Collector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("relay")

	eventsPublished, err := meter.Int64Counter(
		"relay.events.published.total",
		metric.WithDescription("Total events published to session streams"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_published counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"relay.events.dropped.total",
		metric.WithDescription("Events dropped from full subscriber queues"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	connectionsTotal, err := meter.Int64Counter(
		"relay.connections.total",
		metric.WithDescription("Total client connections ever registered"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections_total counter: %w", err)
	}

	connectionsActive, err := meter.Int64UpDownCounter(
		"relay.connections.active",
		metric.WithDescription("Currently registered client connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections_active counter: %w", err)
	}

	subscribeResults, err := meter.Int64Counter(
		"relay.subscribe.results.total",
		metric.WithDescription("Subscribe requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribe_results counter: %w", err)
	}

	fanoutWidth, err := meter.Int64Histogram(
		"relay.fanout.width",
		metric.WithDescription("Subscriber count at publish time"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout_width histogram: %w", err)
	}

	return &Collector{
		meter:             meter,
		eventsPublished:   eventsPublished,
		eventsDropped:     eventsDropped,
		connectionsTotal:  connectionsTotal,
		connectionsActive: connectionsActive,
		subscribeResults:  subscribeResults,
		fanoutWidth:       fanoutWidth,
	}, nil
}

// Handler returns the Prometheus scrape handler.
func (c *Collector) Handler() http.Handler {
	return promclient.Handler()
}

// EventPublished records one published event and the fan-out width it saw.
func (c *Collector) EventPublished(ctx context.Context, kind string, subscribers int) {
	if c == nil || c.eventsPublished == nil {
		return
	}
	c.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	c.fanoutWidth.Record(ctx, int64(subscribers))
}

// EventDropped records an event dropped from a full subscriber queue.
func (c *Collector) EventDropped(ctx context.Context, kind string) {
	if c == nil || c.eventsDropped == nil {
		return
	}
	c.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ConnectionOpened records a new registered connection.
func (c *Collector) ConnectionOpened(ctx context.Context) {
	if c == nil || c.connectionsTotal == nil {
		return
	}
	c.connectionsTotal.Add(ctx, 1)
	c.connectionsActive.Add(ctx, 1)
}

// ConnectionClosed records a deregistered connection.
func (c *Collector) ConnectionClosed(ctx context.Context) {
	if c == nil || c.connectionsActive == nil {
		return
	}
	c.connectionsActive.Add(ctx, -1)
}

// SubscribeResult records a subscribe request outcome.
func (c *Collector) SubscribeResult(ctx context.Context, success bool) {
	if c == nil || c.subscribeResults == nil {
		return
	}
	c.subscribeResults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
