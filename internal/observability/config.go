package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/observability/logger"
	"github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
)

const defaultServiceName = "tokenledger"

// Config is the observability view of the process configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	Log  config.ObservabilityConfig
	OTLP string
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return Config{
		ServiceName: serviceName,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),
		Log:         cfg.Observability,
		OTLP:        strings.TrimSpace(cfg.OTLPEndpoint),
	}
}

// Debug turns on stack traces for error logs outside production-like environments.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.Log.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.Log.LogLevel,
		Format:              c.Log.LogFormat,
		Debug:               c.Debug(),
		SamplingThereafter:  c.Log.LogSampleThereafter,
		SamplingWindow:      time.Second,
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Tracing() tracing.Config {
	ratio := c.Log.OtelSamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}
	return tracing.Config{
		Enabled:          c.Log.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OTLP,
		ExporterProtocol: c.Log.OtelProtocol,
		SamplingRatio:    ratio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.Log.OtelEnabled,
		ExporterEndpoint: c.OTLP,
		ExporterProtocol: c.Log.OtelProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
