package server

import (
	"net/http"
	"time"
)

// Sized reports how many readings wait to be pushed
type Sized interface {
	Size() int
}

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string         `json:"status"`
	Connection      string         `json:"connection"`
	LastSync        time.Time      `json:"lastSync,omitzero"`
	LastPushTime    time.Time      `json:"lastPushTime,omitzero"`
	BufferedSamples int            `json:"bufferedSamples"`
	Polling         *pollingHealth `json:"polling,omitempty"`
}

type pollingHealth struct {
	Running         bool    `json:"running"`
	Visible         bool    `json:"visible"`
	IntervalSeconds float64 `json:"intervalSeconds"`
	Fetches         int64   `json:"fetches"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view, _ := s.deps.Dashboard.Snapshot()
	status := HealthStatus{
		Status:     "healthy",
		Connection: string(view.State),
		LastSync:   view.LastSync,
	}
	if s.deps.Readings != nil {
		status.BufferedSamples = s.deps.Readings.Size()
	}
	if s.deps.Lifecycle != nil {
		st := s.deps.Lifecycle.State()
		status.Polling = &pollingHealth{
			Running:         st.Running,
			Visible:         st.Visible,
			IntervalSeconds: st.Interval.Seconds(),
			Fetches:         st.Fetches,
		}
	}

	code := http.StatusOK
	if s.deps.Pusher != nil {
		status.LastPushTime = s.deps.Pusher.LastPushTime()
		// Pushing is stale after three missed intervals
		if !status.LastPushTime.IsZero() && s.opts.PushInterval > 0 && time.Since(status.LastPushTime) > 3*s.opts.PushInterval {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, status)
}
