package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/pkg/buffer"
	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
)

const pushAttempts = 3

// TimeSeriesBuilder converts readings to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error)

// Config contains configuration for the remote_write pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushInterval      time.Duration
	BatchSize         int
	TimeSeriesBuilder TimeSeriesBuilder
}

// Pusher drains the reading buffer into a Prometheus remote_write endpoint
type Pusher struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	buffer  *buffer.RingBuffer[*types.Reading]
	backoff func(attempt int) time.Duration

	mu       sync.RWMutex
	lastPush time.Time
}

// New creates a pusher whose HTTP transport is traced
func New(cfg Config, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Pusher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}
	if cfg.TimeSeriesBuilder == nil {
		cfg.TimeSeriesBuilder = BuildSensorTimeSeries
	}

	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		logger: logger,
		buffer: buf,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-1)) * time.Second
		},
	}
}

// Start pushes buffered readings every PushInterval until ctx is done,
// then makes one last flush with a short grace period.
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("pushInterval", p.cfg.PushInterval),
		zap.Int("batchSize", p.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			p.logger.Info("prometheus pusher stopped")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes everything currently buffered in batches. Readings from a
// failed batch onward are put back into the buffer for the next round.
func (p *Pusher) Flush(ctx context.Context) int {
	readings := p.buffer.GetAllAndClear()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		return 0
	}

	pushed := 0
	for start := 0; start < len(readings); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(readings))
		if err := p.Push(ctx, readings[start:end]); err != nil {
			requeued := p.buffer.AddAll(readings[start:])
			p.logger.Error("failed to push batch, readings requeued",
				zap.Error(err),
				zap.Int("requeued", requeued))
			return pushed
		}
		pushed += end - start
	}
	return pushed
}

// Push sends one batch, retrying with exponential backoff
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		span.SetStatus(codes.Ok, "nothing to push")
		return nil
	}

	series, err := p.cfg.TimeSeriesBuilder(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "builder failed")
		return fmt.Errorf("time series builder failed: %w", err)
	}
	writeReq := &prompb.WriteRequest{Timeseries: series}
	span.SetAttributes(attribute.Int("metrics.time_series", len(series)))

	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		lastErr = p.pushOnce(ctx, writeReq)
		if lastErr == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Info("pushed readings",
				zap.Int("readings", len(readings)),
				zap.Int("series", len(series)),
				zap.Int("attempt", attempt))
			span.SetStatus(codes.Ok, "pushed")
			return nil
		}

		p.logger.Warn("failed to push readings, will retry",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push readings after %d attempts: %w", pushAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote_write returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}
