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

// Metrics exposes ledger instruments.
type Metrics struct {
	conversations    metric.Int64Counter
	messages         metric.Int64Counter
	tokensCharged    metric.Int64Counter
	quotaDenied      metric.Int64Counter
	usageRowsReset   metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokenledger"
	}
	meter := provider.Meter(name)

	conversations, err := meter.Int64Counter("tokenledger_conversations_created_total")
	if err != nil {
		return nil, err
	}
	messages, err := meter.Int64Counter("tokenledger_messages_recorded_total")
	if err != nil {
		return nil, err
	}
	tokensCharged, err := meter.Int64Counter("tokenledger_tokens_charged_total")
	if err != nil {
		return nil, err
	}
	quotaDenied, err := meter.Int64Counter("tokenledger_quota_denied_total")
	if err != nil {
		return nil, err
	}
	usageRowsReset, err := meter.Int64Counter("tokenledger_usage_rows_reset_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("tokenledger_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("tokenledger_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		conversations:    conversations,
		messages:         messages,
		tokensCharged:    tokensCharged,
		quotaDenied:      quotaDenied,
		usageRowsReset:   usageRowsReset,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordConversationCreated counts a committed conversation and the tokens it charged.
func (m *Metrics) RecordConversationCreated(ctx context.Context, role string, tokens int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("role", strings.TrimSpace(role)))
	m.conversations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.recordCharge(ctx, "create_conversation", tokens)
}

// RecordMessageAppended counts a committed follow-up message.
func (m *Metrics) RecordMessageAppended(ctx context.Context, role string, tokens int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("role", strings.TrimSpace(role)))
	m.messages.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.recordCharge(ctx, "append_message", tokens)
}

// RecordTokensCharged counts tokens added outside conversation writes.
func (m *Metrics) RecordTokensCharged(ctx context.Context, operation string, tokens int64) {
	if m == nil {
		return
	}
	m.recordCharge(ctx, operation, tokens)
}

func (m *Metrics) recordCharge(ctx context.Context, operation string, tokens int64) {
	if tokens <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.tokensCharged.Add(ctx, tokens, metric.WithAttributes(attrs...))
}

// RecordQuotaDenied counts requests refused by the monthly ceiling.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, operation, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("stage", strings.TrimSpace(stage)),
	)
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageRowsReset counts historical usage rows removed by the sweep.
func (m *Metrics) RecordUsageRowsReset(ctx context.Context, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.usageRowsReset.Add(ctx, rows)
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// user_id is never a metric label.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"operation":   {},
	"stage":       {},
	"role":        {},
	"reason":      {},
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
