package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/notify"
	"github.com/mjasion/balena-home/iot-sensors/pkg/buffer"
	"github.com/mjasion/balena-home/iot-sensors/pkg/telemetry"
	"github.com/mjasion/balena-home/iot-sensors/pkg/types"
	"github.com/mjasion/balena-home/iot-sensors/sensor"
	"github.com/mjasion/balena-home/iot-sensors/settings"
)

// ErrInvalidData is returned when the status payload has no latest_readings
var ErrInvalidData = errors.New("invalid status payload: latest_readings missing")

const (
	msgConnectFailed  = "Impossible de se connecter à l'API"
	msgOfflineCache   = "Données en cache affichées (mode hors ligne)"
	msgHistoryFailed  = "Erreur lors du chargement de l'historique"
	msgStatsFailed    = "Erreur lors du chargement des statistiques"
	msgSaveFailed     = "Erreur lors de la sauvegarde des paramètres"
	msgSaved          = "Paramètres sauvegardés avec succès"
	msgInvalidURL     = "URL API invalide"
	msgInvalidRefresh = "Intervalle de rafraîchissement doit être entre 5 et 300 secondes"
)

// Client is the sensor API surface the dashboard renders
type Client interface {
	Status(ctx context.Context) (*sensor.SystemStatus, error)
	LastKnownStatus() (*sensor.SystemStatus, time.Time, bool)
	History(ctx context.Context, key string, limit int) ([]sensor.HistoryEntry, error)
	Stats(ctx context.Context, hours int) (*sensor.Stats, error)
	TestConnection(ctx context.Context, baseURL string) (sensor.ConnectionResult, error)
	Config() sensor.Config
	UpdateConfig(cfg sensor.Config) error
}

// SettingsStore persists the user settings
type SettingsStore interface {
	Load(ctx context.Context) (settings.Settings, bool, error)
	Save(ctx context.Context, s settings.Settings) error
}

// Options wires the optional collaborators of a Dashboard
type Options struct {
	Store    SettingsStore
	Notifier notify.Notifier
	Gate     *notify.Gate
	Readings *buffer.RingBuffer[*types.Reading]
	Location *time.Location
	Now      func() time.Time
}

// Dashboard turns sensor API responses into views, tracks the connection
// state and owns the user settings
type Dashboard struct {
	client   Client
	store    SettingsStore
	notifier notify.Notifier
	gate     *notify.Gate
	readings *buffer.RingBuffer[*types.Reading]
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.RWMutex
	view      View
	loaded    bool
	listeners []func(View)
}

// New creates a Dashboard in the loading state
func New(client Client, opts Options, logger *zap.Logger) *Dashboard {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(logger)
	}
	return &Dashboard{
		client:   client,
		store:    opts.Store,
		notifier: opts.Notifier,
		gate:     opts.Gate,
		readings: opts.Readings,
		loc:      opts.Location,
		now:      opts.Now,
		logger:   logger,
		view:     View{State: StateLoading, StateLabel: StateLoading.Label(), Cards: []Card{}},
	}
}

// OnUpdate registers fn to receive every published view
func (d *Dashboard) OnUpdate(fn func(View)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Snapshot returns the last published view and whether a load ever completed
func (d *Dashboard) Snapshot() (View, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cloneView(), d.loaded
}

// Refresh reloads the dashboard; it is what the poller calls on every tick
func (d *Dashboard) Refresh(ctx context.Context) error {
	_, err := d.LoadDashboard(ctx)
	return err
}

// LoadDashboard fetches the system status and publishes the resulting view.
// On failure the view turns offline and, when a previous status is cached,
// shows that status instead.
func (d *Dashboard) LoadDashboard(ctx context.Context) (View, error) {
	ctx, span := otel.Tracer("dashboard").Start(ctx, "dashboard.Load")
	defer span.End()

	d.publish(func(v *View) { v.State = StateLoading })

	status, err := d.client.Status(ctx)
	if err != nil && ctx.Err() != nil {
		// shutting down, not offline
		view, _ := d.Snapshot()
		return view, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status request failed")
		telemetry.WarnWithTrace(ctx, d.logger, "failed to load dashboard", zap.Error(err))

		d.publish(func(v *View) { v.State = StateOffline })
		d.notify(ctx, notify.LevelError, msgConnectFailed)
		d.offlineFallback(ctx)

		view, _ := d.Snapshot()
		return view, err
	}

	if status.LatestReadings == nil {
		d.logger.Warn("invalid data received from status endpoint")
		span.SetStatus(codes.Error, "invalid payload")
		view := d.publish(func(v *View) {
			v.State = StateOnline
			v.LastSync = d.now()
		})
		return view, ErrInvalidData
	}

	cards := buildCards(status.LatestReadings, d.loc)
	d.record(status.LatestReadings)

	view := d.publish(func(v *View) {
		v.State = StateOnline
		v.LastSync = d.now()
		v.Offline = false
		v.CachedAt = time.Time{}
		v.Cards = cards
	})
	span.SetAttributes(attribute.Int("dashboard.cards", len(cards)))
	span.SetStatus(codes.Ok, "dashboard loaded")
	return view, nil
}

// offlineFallback renders the last known status, however old
func (d *Dashboard) offlineFallback(ctx context.Context) {
	status, cachedAt, ok := d.client.LastKnownStatus()
	if !ok || status.LatestReadings == nil {
		return
	}

	cards := buildCards(status.LatestReadings, d.loc)
	d.publish(func(v *View) {
		v.Offline = true
		v.CachedAt = cachedAt
		v.Cards = cards
	})
	d.logger.Info("showing cached dashboard data", zap.Time("cachedAt", cachedAt))
	d.notify(ctx, notify.LevelInfo, msgOfflineCache)
}

// LoadHistory renders the history of one sensor; limit <= 0 means the default of 50
func (d *Dashboard) LoadHistory(ctx context.Context, key string, limit int) (HistoryView, error) {
	s, ok := sensor.Lookup(key)
	if !ok {
		return HistoryView{}, &sensor.ValidationError{Field: "sensor", Reason: "unknown sensor " + key}
	}

	entries, err := d.client.History(ctx, key, limit)
	if err != nil {
		telemetry.WarnWithTrace(ctx, d.logger, "failed to load history", zap.String("sensor", key), zap.Error(err))
		d.notify(ctx, notify.LevelError, msgHistoryFailed)
		return HistoryView{}, err
	}
	return buildHistory(s, entries, d.loc), nil
}

// LoadStats renders measurement counts over the last hours
func (d *Dashboard) LoadStats(ctx context.Context, hours int) (StatsView, error) {
	stats, err := d.client.Stats(ctx, hours)
	if err != nil {
		if !sensor.IsValidation(err) {
			telemetry.WarnWithTrace(ctx, d.logger, "failed to load stats", zap.Int("hours", hours), zap.Error(err))
			d.notify(ctx, notify.LevelError, msgStatsFailed)
		}
		return StatsView{}, err
	}
	return buildStats(stats, hours), nil
}

func (d *Dashboard) record(latest *sensor.LatestReadings) {
	if d.readings == nil {
		return
	}
	readings := readingsOf(latest, d.loc)
	if added := d.readings.AddAll(readings); added > 0 {
		d.logger.Debug("buffered sensor readings", zap.Int("added", added), zap.Int("seen", len(readings)))
	}
}

func (d *Dashboard) notify(ctx context.Context, level notify.Level, message string) {
	if err := d.notifier.Notify(ctx, notify.New(level, message)); err != nil {
		d.logger.Warn("failed to deliver notification", zap.String("message", message), zap.Error(err))
	}
}

// publish applies mutate to the current view and hands the result to every listener
func (d *Dashboard) publish(mutate func(v *View)) View {
	d.mu.Lock()
	mutate(&d.view)
	d.view.StateLabel = d.view.State.Label()
	if d.view.State != StateLoading {
		d.loaded = true
	}
	view := d.cloneView()
	listeners := append([]func(View){}, d.listeners...)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
	return view
}

func (d *Dashboard) cloneView() View {
	v := d.view
	v.Cards = append([]Card{}, d.view.Cards...)
	return v
}
