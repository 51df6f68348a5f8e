package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/pkg/buffer"
	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
)

func newTestBuffer() *buffer.RingBuffer[*types.Reading] {
	return buffer.NewKeyed(100, (*types.Reading).Key, zap.NewNop())
}

func sampleReadings(base time.Time) []*types.Reading {
	return []*types.Reading{
		{Type: types.ReadingTypeAmbientTemperature, Sensor: "temperature", Timestamp: base, Value: 21.5},
		{Type: types.ReadingTypePH, Sensor: "ph", Timestamp: base, Value: 7.04},
		{Type: types.ReadingTypeLuminosity, Sensor: "luminosite", Timestamp: base, Value: 412.7},
	}
}

func TestPusher_FlushSendsRemoteWrite(t *testing.T) {
	var (
		mu       sync.Mutex
		received prompb.WriteRequest
		headers  http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		data, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("Failed to decode snappy body: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := proto.Unmarshal(data, &received); err != nil {
			t.Errorf("Failed to unmarshal write request: %v", err)
		}
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	buf := newTestBuffer()
	buf.AddAll(sampleReadings(time.UnixMilli(1700000000000)))

	p := New(Config{URL: server.URL, Username: "user", Password: "secret"}, buf, zap.NewNop())
	if pushed := p.Flush(context.Background()); pushed != 3 {
		t.Fatalf("Expected 3 pushed readings, got %d", pushed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received.Timeseries) != 3 {
		t.Fatalf("Expected 3 time series, got %d", len(received.Timeseries))
	}
	if headers.Get("Content-Encoding") != "snappy" {
		t.Errorf("Expected snappy encoding, got %s", headers.Get("Content-Encoding"))
	}
	if user, pass, ok := (&http.Request{Header: headers}).BasicAuth(); !ok || user != "user" || pass != "secret" {
		t.Errorf("Expected basic auth user/secret, got %s/%s", user, pass)
	}
	if buf.Size() != 0 {
		t.Errorf("Expected empty buffer after push, got %d", buf.Size())
	}
	if p.LastPushTime().IsZero() {
		t.Error("Expected last push time to be set")
	}
}

func TestPusher_FailedBatchIsRequeued(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	buf := newTestBuffer()
	buf.AddAll(sampleReadings(time.UnixMilli(1700000000000)))

	p := New(Config{URL: server.URL, BatchSize: 2}, buf, zap.NewNop())
	p.backoff = func(int) time.Duration { return 0 }

	if pushed := p.Flush(context.Background()); pushed != 0 {
		t.Errorf("Expected nothing pushed, got %d", pushed)
	}
	if calls.Load() != pushAttempts {
		t.Errorf("Expected %d attempts for the first batch, got %d", pushAttempts, calls.Load())
	}
	if buf.Size() != 3 {
		t.Errorf("Expected all 3 readings requeued, got %d", buf.Size())
	}
	if !p.LastPushTime().IsZero() {
		t.Error("Expected last push time to stay unset")
	}
}

func TestPusher_PushEmpty(t *testing.T) {
	p := New(Config{URL: "http://127.0.0.1:1"}, newTestBuffer(), zap.NewNop())
	if err := p.Push(context.Background(), nil); err != nil {
		t.Errorf("Expected no error for empty push, got %v", err)
	}
}
