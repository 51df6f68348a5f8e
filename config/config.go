package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	pkgconfig "github.com/mjasion/balena-home/iot-sensors/pkg/config"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
)

// Config holds all configuration parameters for the sensor dashboard service
type Config struct {
	API        APIConfig        `yaml:"api"`
	Polling    PollingConfig    `yaml:"polling"`
	Settings   SettingsConfig   `yaml:"settings"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Prometheus PrometheusConfig `yaml:"prometheus"`

	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// APIConfig describes the remote sensor API
type APIConfig struct {
	URL                   string  `yaml:"url" env:"API_URL" env-default:"https://api-sensor-ucad.onrender.com/api"`
	RequestTimeoutSeconds float64 `yaml:"requestTimeoutSeconds" env:"API_REQUEST_TIMEOUT_SECONDS" env-default:"10"`
	MaxRetries            int     `yaml:"maxRetries" env:"API_MAX_RETRIES" env-default:"3"`
	RetryDelaySeconds     float64 `yaml:"retryDelaySeconds" env:"API_RETRY_DELAY_SECONDS" env-default:"2"`
	CacheTTLSeconds       int     `yaml:"cacheTTLSeconds" env:"API_CACHE_TTL_SECONDS" env-default:"300"`
}

// PollingConfig controls the dashboard refresh loop and the cache warmer
type PollingConfig struct {
	RefreshIntervalSeconds int    `yaml:"refreshIntervalSeconds" env:"REFRESH_INTERVAL_SECONDS" env-default:"30"`
	ResumeDelayMillis      int    `yaml:"resumeDelayMillis" env:"RESUME_DELAY_MILLIS" env-default:"1000"`
	WarmSchedule           string `yaml:"warmSchedule" env:"WARM_SCHEDULE" env-default:"@every 10m"`
	HistoryLimit           int    `yaml:"historyLimit" env:"HISTORY_LIMIT" env-default:"50"`
	StatsPeriods           []int  `yaml:"statsPeriods" env:"STATS_PERIODS" env-separator:"," env-default:"24"`
}

// SettingsConfig locates the persisted user settings
type SettingsConfig struct {
	DBPath string `yaml:"dbPath" env:"SETTINGS_DB_PATH" env-default:"iot-sensors.db"`
}

// HTTPConfig configures the dashboard HTTP API
type HTTPConfig struct {
	Port        int      `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	CORSOrigins []string `yaml:"corsOrigins" env:"HTTP_CORS_ORIGINS" env-separator:"," env-default:"*"`
}

// MQTTConfig configures notification publishing
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MQTT_ENABLED" env-default:"false"`
	Broker      string `yaml:"broker" env:"MQTT_BROKER" env-default:"tcp://localhost:1883"`
	ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID" env-default:"iot-sensors"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX" env-default:"iot-sensors"`
	QoS         byte   `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
}

// PrometheusConfig configures the remote_write pusher
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize           int    `yaml:"batchSize" env:"PUSH_BATCH_SIZE" env-default:"500"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	if err := c.SensorConfig().Validate(); err != nil {
		return fmt.Errorf("api validation failed: %w", err)
	}

	if c.Polling.ResumeDelayMillis < 0 {
		return fmt.Errorf("resumeDelayMillis must not be negative, got %d", c.Polling.ResumeDelayMillis)
	}
	if c.Polling.HistoryLimit <= 0 {
		return fmt.Errorf("historyLimit must be positive, got %d", c.Polling.HistoryLimit)
	}
	for _, hours := range c.Polling.StatsPeriods {
		if hours <= 0 {
			return fmt.Errorf("statsPeriods must be positive, got %d", hours)
		}
	}
	if c.Polling.WarmSchedule != "" {
		if _, err := cron.ParseStandard(c.Polling.WarmSchedule); err != nil {
			return fmt.Errorf("invalid warmSchedule %q: %w", c.Polling.WarmSchedule, err)
		}
	}

	if c.Settings.DBPath == "" {
		return fmt.Errorf("settings dbPath cannot be empty")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if c.MQTT.Enabled {
		if _, err := url.Parse(c.MQTT.Broker); err != nil || c.MQTT.Broker == "" {
			return fmt.Errorf("invalid mqtt broker %q", c.MQTT.Broker)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.Prometheus.Enabled {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheusUrl: %w", err)
		}
		if c.Prometheus.PushIntervalSeconds <= 0 {
			return fmt.Errorf("pushIntervalSeconds must be positive, got %d", c.Prometheus.PushIntervalSeconds)
		}
		if c.Prometheus.BatchSize <= 0 || c.Prometheus.BufferSize <= 0 {
			return fmt.Errorf("batchSize and bufferSize must be positive")
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := c.OpenTelemetry.Validate(); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := c.Profiling.Validate(); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// SensorConfig converts the api and polling sections into a sensor client configuration
func (c *Config) SensorConfig() sensor.Config {
	return sensor.Config{
		BaseURL:         c.API.URL,
		RequestTimeout:  seconds(c.API.RequestTimeoutSeconds),
		MaxRetries:      c.API.MaxRetries,
		RetryDelay:      seconds(c.API.RetryDelaySeconds),
		RefreshInterval: time.Duration(c.Polling.RefreshIntervalSeconds) * time.Second,
		CacheTTL:        time.Duration(c.API.CacheTTLSeconds) * time.Second,
	}
}

// ResumeDelay is the settle delay before the fetch that follows a resume
func (c *Config) ResumeDelay() time.Duration {
	return time.Duration(c.Polling.ResumeDelayMillis) * time.Millisecond
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"api": map[string]any{
			"url":                   redactURL(c.API.URL),
			"requestTimeoutSeconds": c.API.RequestTimeoutSeconds,
			"maxRetries":            c.API.MaxRetries,
			"retryDelaySeconds":     c.API.RetryDelaySeconds,
			"cacheTTLSeconds":       c.API.CacheTTLSeconds,
		},
		"polling": map[string]any{
			"refreshIntervalSeconds": c.Polling.RefreshIntervalSeconds,
			"warmSchedule":           c.Polling.WarmSchedule,
			"statsPeriods":           c.Polling.StatsPeriods,
		},
		"settings": map[string]any{"dbPath": c.Settings.DBPath},
		"http":     map[string]any{"port": c.HTTP.Port, "corsOrigins": c.HTTP.CORSOrigins},
		"mqtt": map[string]any{
			"enabled":     c.MQTT.Enabled,
			"broker":      redactURL(c.MQTT.Broker),
			"username":    c.MQTT.Username,
			"passwordSet": c.MQTT.Password != "",
			"topicPrefix": c.MQTT.TopicPrefix,
		},
		"prometheus": map[string]any{
			"enabled":             c.Prometheus.Enabled,
			"prometheusUrl":       redactURL(c.Prometheus.URL),
			"prometheusUsername":  c.Prometheus.Username,
			"prometheusPassword":  "***",
			"pushIntervalSeconds": c.Prometheus.PushIntervalSeconds,
			"bufferSize":          c.Prometheus.BufferSize,
		},
		"logging": map[string]any{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]any{
			"enabled":         c.OpenTelemetry.Enabled,
			"serviceName":     c.OpenTelemetry.ServiceName,
			"tracesEnabled":   c.OpenTelemetry.Traces.Enabled,
			"metricsEnabled":  c.OpenTelemetry.Metrics.Enabled,
			"tracesEndpoint":  c.OpenTelemetry.TracesEndpoint() != "",
			"metricsEndpoint": c.OpenTelemetry.MetricsEndpoint() != "",
		},
		"profiling": map[string]any{
			"enabled":       c.Profiling.Enabled,
			"serverAddress": c.Profiling.ServerAddress,
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig logs the configuration with secrets masked
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded", zap.Any("config", c.Redacted()))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
