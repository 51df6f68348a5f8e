package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/dashboard"
	"github.com/mjasion/balena-home/iot-sensors/notify"
	"github.com/mjasion/balena-home/iot-sensors/poller"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
	"github.com/mjasion/balena-home/iot-sensors/settings"
)

// Dashboard is what the HTTP API exposes of the dashboard
type Dashboard interface {
	LoadDashboard(ctx context.Context) (dashboard.View, error)
	Snapshot() (dashboard.View, bool)
	LoadHistory(ctx context.Context, key string, limit int) (dashboard.HistoryView, error)
	LoadStats(ctx context.Context, hours int) (dashboard.StatsView, error)
	CurrentSettings() settings.Settings
	SaveSettings(ctx context.Context, s settings.Settings) error
	TestConnection(ctx context.Context, apiURL string) (sensor.ConnectionResult, error)
}

// Lifecycle receives the page lifecycle events of the browser
type Lifecycle interface {
	Pause()
	Resume()
	SetVisible(visible bool)
	SetActiveView(active bool)
	State() poller.State
}

// PushStatus reports remote write progress
type PushStatus interface {
	LastPushTime() time.Time
}

// Deps are the collaborators served over HTTP. Pusher and Readings may be nil.
type Deps struct {
	Dashboard     Dashboard
	Lifecycle     Lifecycle
	Notifications *notify.Recent
	Hub           *Hub
	Pusher        PushStatus
	Readings      Sized
}

// Options tunes the HTTP server
type Options struct {
	Port         int
	CORSOrigins  []string
	PushInterval time.Duration
}

// Server serves the dashboard API and the live update socket
type Server struct {
	deps       Deps
	opts       Options
	metrics    *Metrics
	httpServer *http.Server
	logger     *zap.Logger
}

// New builds the router and the underlying http.Server
func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	s := &Server{deps: deps, opts: opts, metrics: newMetrics(deps), logger: logger.Named("http")}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Router registers every route; exposed for tests
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.deps.Hub.ServeWS(s.deps.Dashboard, s.deps.Lifecycle)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.metrics.middleware, gziphandler.GzipHandler)
	api.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/history/{sensor}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/sensors", s.handleSensors).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSaveSettings).Methods(http.MethodPut)
	api.HandleFunc("/settings/test", s.handleTestConnection).Methods(http.MethodPost)
	api.HandleFunc("/lifecycle", s.handleLifecycleState).Methods(http.MethodGet)
	api.HandleFunc("/lifecycle/{event}", s.handleLifecycle).Methods(http.MethodPost)
	api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)

	return r
}

// Handler wraps the router with recovery, access logging, CORS and tracing
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	var h http.Handler = s.Router()
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Accept"}),
	)(h)
	h = handlers.LoggingHandler(os.Stdout, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)), handlers.PrintRecoveryStack(true))(h)
	return otelhttp.NewHandler(h, "iot-sensors-http")
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and closes live sockets
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	return s.httpServer.Shutdown(ctx)
}
