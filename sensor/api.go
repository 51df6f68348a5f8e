package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	StatusEndpoint = "system/status"
	StatsEndpoint  = "sensors/stats"

	StatusCacheKey      = "dashboard_status"
	DefaultHistoryLimit = 50

	connectionTestTimeout = 5 * time.Second
)

// HistoryCacheKey identifies a cached history request
func HistoryCacheKey(sensor string, limit int) string {
	return fmt.Sprintf("history_%s_%d", sensor, limit)
}

// StatsCacheKey identifies a cached statistics request
func StatsCacheKey(hours int) string {
	return fmt.Sprintf("stats_%d", hours)
}

// Status fetches the latest reading of every sensor, cached under StatusCacheKey
func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	err := c.requestJSON(ctx, StatusEndpoint, RequestOptions{UseCache: true, CacheKey: StatusCacheKey}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// LastKnownStatus decodes the last cached status regardless of age, for offline mode
func (c *Client) LastKnownStatus() (*SystemStatus, time.Time, bool) {
	entry, ok := c.GetLastKnownGood(StatusCacheKey)
	if !ok {
		return nil, time.Time{}, false
	}
	var status SystemStatus
	if err := json.Unmarshal(entry.Data, &status); err != nil {
		return nil, time.Time{}, false
	}
	return &status, entry.Timestamp, true
}

// History fetches up to limit entries for a sensor, newest first
func (c *Client) History(ctx context.Context, sensor string, limit int) ([]HistoryEntry, error) {
	s, ok := Lookup(sensor)
	if !ok {
		return nil, &ValidationError{Field: "sensor", Reason: fmt.Sprintf("unknown sensor %q", sensor)}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	endpoint := fmt.Sprintf("%s?limit=%d", s.Endpoint, limit)
	var entries []HistoryEntry
	err := c.requestJSON(ctx, endpoint, RequestOptions{UseCache: true, CacheKey: HistoryCacheKey(s.Key, limit)}, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stats fetches measurement counts over the last hours
func (c *Client) Stats(ctx context.Context, hours int) (*Stats, error) {
	if hours <= 0 {
		return nil, &ValidationError{Field: "hours", Reason: "must be positive"}
	}

	endpoint := fmt.Sprintf("%s?hours=%d", StatsEndpoint, hours)
	var stats Stats
	err := c.requestJSON(ctx, endpoint, RequestOptions{UseCache: true, CacheKey: StatsCacheKey(hours)}, &stats)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ConnectionLevel grades a connection test
type ConnectionLevel string

const (
	ConnectionSuccess ConnectionLevel = "success"
	ConnectionWarning ConnectionLevel = "warning"
	ConnectionError   ConnectionLevel = "error"
)

// ConnectionResult is the outcome of TestConnection
type ConnectionResult struct {
	Level   ConnectionLevel `json:"level"`
	Message string          `json:"message"`
}

// TestConnection probes baseURL/system/status once, without retry or cache.
// Only a malformed baseURL is reported as an error; reachability problems
// are part of the result.
func (c *Client) TestConnection(ctx context.Context, baseURL string) (ConnectionResult, error) {
	baseURL = NormalizeBaseURL(baseURL)
	if err := ValidateBaseURL(baseURL); err != nil {
		return ConnectionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()

	target := Config{BaseURL: baseURL}.endpointURL(StatusEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ConnectionResult{}, &ValidationError{Field: "baseUrl", Reason: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ConnectionResult{
			Level:   ConnectionError,
			Message: "Connexion échouée! Vérifiez l'URL et la connectivité réseau.",
		}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ConnectionResult{
			Level:   ConnectionError,
			Message: fmt.Sprintf("Erreur %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ConnectionResult{
			Level:   ConnectionError,
			Message: "Connexion échouée! Vérifiez l'URL et la connectivité réseau.",
		}, nil
	}

	var probeBody struct {
		Success        bool            `json:"success"`
		LatestReadings json.RawMessage `json:"latest_readings"`
	}
	if err := json.Unmarshal(body, &probeBody); err == nil && (probeBody.Success || isPresent(probeBody.LatestReadings)) {
		return ConnectionResult{Level: ConnectionSuccess, Message: "Connexion réussie!"}, nil
	}
	return ConnectionResult{
		Level:   ConnectionWarning,
		Message: "Connexion établie mais format de réponse inattendu",
	}, nil
}

// IsValidation reports whether err is a configuration validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
