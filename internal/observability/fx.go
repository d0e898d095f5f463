package observability

import (
	"github.com/smallbiznis/tokenledger/internal/observability/logger"
	"github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		Config.Tracing,
		Config.Metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.SchedulerWithConfig,
	),
	fx.Invoke(logStartup),
)

// logStartup forces the tracer provider to be built and records what the
// process exports.
func logStartup(log *zap.Logger, cfg Config, _ *sdktrace.TracerProvider) {
	log.Info("observability configured",
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.Environment),
		zap.Bool("otel_enabled", cfg.Log.OtelEnabled),
		zap.String("otel_protocol", cfg.Log.OtelProtocol),
		zap.Float64("trace_sampling_ratio", cfg.Tracing().SamplingRatio),
	)
}
