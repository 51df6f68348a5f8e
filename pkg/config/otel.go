package config

import (
	"fmt"
	"os"
	"strings"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME" env-default:"iot-sensors"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers"`
	Traces             OTelSignalConfig  `yaml:"traces"`
	Metrics            OTelSignalConfig  `yaml:"metrics"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`
}

// OTelSignalConfig configures one exported signal. SamplingRatio applies to
// traces only, IntervalMillis and RuntimeMetrics to metrics only.
type OTelSignalConfig struct {
	Enabled        bool              `yaml:"enabled" env-default:"true"`
	Endpoint       string            `yaml:"endpoint"`
	Headers        map[string]string `yaml:"headers"`
	SamplingRatio  float64           `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	IntervalMillis int               `yaml:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	RuntimeMetrics bool              `yaml:"runtimeMetrics" env-default:"true"`
}

// Validate checks the exporter settings when OpenTelemetry is enabled
func (c *OpenTelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("opentelemetry service name is required when OpenTelemetry is enabled")
	}

	if c.Traces.Enabled {
		if c.TracesEndpoint() == "" {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}
		if c.Traces.SamplingRatio < 0 || c.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", c.Traces.SamplingRatio)
		}
	}

	if c.Metrics.Enabled {
		if c.MetricsEndpoint() == "" {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}
		if c.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval must be at least 1000ms")
		}
	}
	return nil
}

// TracesEndpoint resolves the traces endpoint: signal config, signal env var, shared config, shared env var
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	return firstNonEmpty(c.Traces.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// MetricsEndpoint resolves the metrics endpoint the same way as TracesEndpoint
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	return firstNonEmpty(c.Metrics.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"), c.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// TracesHeaders resolves exporter headers for traces
func (c *OpenTelemetryConfig) TracesHeaders() map[string]string {
	return c.resolveHeaders(c.Traces.Headers, "OTEL_EXPORTER_OTLP_TRACES_HEADERS")
}

// MetricsHeaders resolves exporter headers for metrics
func (c *OpenTelemetryConfig) MetricsHeaders() map[string]string {
	return c.resolveHeaders(c.Metrics.Headers, "OTEL_EXPORTER_OTLP_METRICS_HEADERS")
}

func (c *OpenTelemetryConfig) resolveHeaders(signal map[string]string, envKey string) map[string]string {
	if len(signal) > 0 {
		return signal
	}
	if v := os.Getenv(envKey); v != "" {
		return ParseHeaders(v)
	}
	if len(c.Headers) > 0 {
		return c.Headers
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		return ParseHeaders(v)
	}
	return nil
}

// ParseHeaders parses "key1=value1,key2=value2"
func ParseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
