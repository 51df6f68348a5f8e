package sensor

import (
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL         = "https://api-sensor-ucad.onrender.com/api"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 2 * time.Second
	DefaultRefreshInterval = 30 * time.Second
	DefaultCacheTTL        = 5 * time.Minute

	MinRefreshInterval = 5 * time.Second
	MaxRefreshInterval = 300 * time.Second
)

// Config holds the client's connection, retry and caching parameters
type Config struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RefreshInterval time.Duration
	CacheTTL        time.Duration
}

// DefaultConfig returns the configuration the dashboard ships with
func DefaultConfig() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		RequestTimeout:  DefaultRequestTimeout,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		RefreshInterval: DefaultRefreshInterval,
		CacheTTL:        DefaultCacheTTL,
	}
}

// Validate checks every field and returns a *ValidationError naming the first bad one
func (c Config) Validate() error {
	if err := ValidateBaseURL(c.BaseURL); err != nil {
		return err
	}
	if err := ValidateRefreshInterval(c.RefreshInterval); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return &ValidationError{Field: "requestTimeout", Reason: "must be positive"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "maxRetries", Reason: "must not be negative"}
	}
	if c.RetryDelay < 0 {
		return &ValidationError{Field: "retryDelay", Reason: "must not be negative"}
	}
	if c.CacheTTL <= 0 {
		return &ValidationError{Field: "cacheTTL", Reason: "must be positive"}
	}
	return nil
}

// ValidateBaseURL accepts absolute http and https URLs only. Surrounding
// whitespace is rejected; callers trim user input with NormalizeBaseURL first.
func ValidateBaseURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "baseUrl", Reason: "must not be empty"}
	}
	if raw != strings.TrimSpace(raw) {
		return &ValidationError{Field: "baseUrl", Reason: "must not contain surrounding whitespace"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "baseUrl", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "baseUrl", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "baseUrl", Reason: "host is missing"}
	}
	return nil
}

// NormalizeBaseURL trims the whitespace users tend to paste around a URL
func NormalizeBaseURL(raw string) string {
	return strings.TrimSpace(raw)
}

// ValidateRefreshInterval enforces the [5s, 300s] polling window
func ValidateRefreshInterval(d time.Duration) error {
	if d < MinRefreshInterval || d > MaxRefreshInterval {
		return &ValidationError{Field: "refreshIntervalSeconds", Reason: "must be between 5 and 300 seconds"}
	}
	return nil
}

func (c Config) endpointURL(endpoint string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}
