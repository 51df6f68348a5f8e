package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level grades a notification
type Level string

const (
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
)

// Notification is a transient, user-facing message
type Notification struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// New stamps a notification with a fresh id and the current time
func New(level Level, message string) Notification {
	return Notification{ID: uuid.NewString(), Level: level, Message: message, Time: time.Now()}
}

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify logs n at a level matching its severity
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{zap.String("level", string(n.Level)), zap.String("message", n.Message)}
	switch n.Level {
	case LevelError:
		l.logger.Error("notification", fields...)
	case LevelWarning:
		l.logger.Warn("notification", fields...)
	default:
		l.logger.Info("notification", fields...)
	}
	return nil
}

// Fanout delivers every notification to all notifiers, joining their errors
type Fanout []Notifier

// Notify implements Notifier
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Gate drops everything but errors while notifications are switched off
type Gate struct {
	next    Notifier
	mu      sync.RWMutex
	enabled bool
}

// NewGate wraps next, initially enabled
func NewGate(next Notifier) *Gate {
	return &Gate{next: next, enabled: true}
}

// SetEnabled switches non-error notifications on or off
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
}

// Enabled reports whether non-error notifications are delivered
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// Notify implements Notifier
func (g *Gate) Notify(ctx context.Context, n Notification) error {
	if n.Level != LevelError && !g.Enabled() {
		return nil
	}
	return g.next.Notify(ctx, n)
}

// Recent keeps the last notifications in memory for API clients
type Recent struct {
	mu    sync.RWMutex
	items []Notification
	limit int
}

// NewRecent keeps at most limit notifications
func NewRecent(limit int) *Recent {
	if limit < 1 {
		limit = 1
	}
	return &Recent{limit: limit}
}

// Notify implements Notifier
func (r *Recent) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if len(r.items) > r.limit {
		r.items = r.items[len(r.items)-r.limit:]
	}
	return nil
}

// List returns the retained notifications, oldest first
func (r *Recent) List() []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Notification(nil), r.items...)
}
