package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	eventsProcessed    metric.Int64Counter
	invalidTransitions metric.Int64Counter
	deadLetters        metric.Int64Counter
	retriesScheduled   metric.Int64Counter
	queueDepth         metric.Int64UpDownCounter
	reconcileRuns      metric.Int64Counter
	reconcileOutcomes  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "grantway"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("grantway_webhook_events_total")
	if err != nil {
		return nil, err
	}
	eventsProcessed, err := meter.Int64Counter("grantway_events_processed_total")
	if err != nil {
		return nil, err
	}
	invalidTransitions, err := meter.Int64Counter("grantway_invalid_transitions_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("grantway_dead_letters_total")
	if err != nil {
		return nil, err
	}
	retriesScheduled, err := meter.Int64Counter("grantway_retries_scheduled_total")
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64UpDownCounter("grantway_dispatch_queue_depth")
	if err != nil {
		return nil, err
	}
	reconcileRuns, err := meter.Int64Counter("grantway_reconcile_runs_total")
	if err != nil {
		return nil, err
	}
	reconcileOutcomes, err := meter.Int64Counter("grantway_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		eventsProcessed:    eventsProcessed,
		invalidTransitions: invalidTransitions,
		deadLetters:        deadLetters,
		retriesScheduled:   retriesScheduled,
		queueDepth:         queueDepth,
		reconcileRuns:      reconcileRuns,
		reconcileOutcomes:  reconcileOutcomes,
	}, nil
}

// RecordWebhookEvent increments webhook ingest counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventProcessed increments processed event counts by outcome.
func (m *Metrics) RecordEventProcessed(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvalidTransition increments rejected transition counts.
func (m *Metrics) RecordInvalidTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.invalidTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeadLetter increments dead-lettered event counts.
func (m *Metrics) RecordDeadLetter(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRetryScheduled increments scheduled retry counts.
func (m *Metrics) RecordRetryScheduled(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AddQueueDepth adjusts the in-flight dispatch queue gauge.
func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// RecordReconcileRun increments reconciliation run counts by trigger.
func (m *Metrics) RecordReconcileRun(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("trigger", strings.TrimSpace(trigger)))
	m.reconcileRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileOutcome increments per-subscription reconcile outcomes.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.reconcileOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"kind":        {},
	"outcome":     {},
	"from":        {},
	"to":          {},
	"trigger":     {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
