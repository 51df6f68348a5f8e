package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/iot-sensors/sensor"
)

// DefaultResumeDelay lets the host settle before the fetch that follows a resume
const DefaultResumeDelay = time.Second

// Refresher reloads the dashboard
type Refresher interface {
	Refresh(ctx context.Context) error
}

// State is a snapshot of the poller's lifecycle flags
type State struct {
	Running         bool          `json:"running"`
	Visible         bool          `json:"visible"`
	ActiveView      bool          `json:"activeView"`
	Interval        time.Duration `json:"-"`
	IntervalSeconds float64       `json:"intervalSeconds"`
	Fetches         int64         `json:"fetches"`
}

// Poller drives the periodic dashboard refresh. A single repeating timer
// fires every interval; a tick only refreshes while the host is visible and
// the dashboard view is active. Pausing stops the timer but never cancels a
// fetch already in flight.
type Poller struct {
	refresher   Refresher
	logger      *zap.Logger
	resumeDelay time.Duration

	mu         sync.Mutex
	ctx        context.Context
	interval   time.Duration
	running    bool
	visible    bool
	activeView bool
	stopped    bool

	wake     chan struct{}
	inflight sync.WaitGroup
	fetches  atomic.Int64
}

// New creates a poller refreshing every interval. It starts in the running,
// visible, dashboard-active state.
func New(refresher Refresher, interval, resumeDelay time.Duration, logger *zap.Logger) *Poller {
	if resumeDelay < 0 {
		resumeDelay = DefaultResumeDelay
	}
	return &Poller{
		refresher:   refresher,
		logger:      logger,
		resumeDelay: resumeDelay,
		ctx:         context.Background(),
		interval:    interval,
		running:     true,
		visible:     true,
		activeView:  true,
		wake:        make(chan struct{}, 1),
	}
}

// Start runs the timer loop until ctx is done, then waits for in-flight fetches
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.logger.Info("starting dashboard poller", zap.Duration("interval", p.State().Interval))

	var ticker *time.Ticker
	var tick <-chan time.Time
	restart := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		p.mu.Lock()
		running, interval := p.running, p.interval
		p.mu.Unlock()
		if running && interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}
	}
	restart()

	for {
		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			// no fetch may join the wait group once stopped is set
			p.mu.Lock()
			p.stopped = true
			p.mu.Unlock()
			p.inflight.Wait()
			p.logger.Info("stopping dashboard poller")
			return
		case <-p.wake:
			restart()
		case <-tick:
			p.onTick()
		}
	}
}

// Pause cancels the repeating timer
func (p *Poller) Pause() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Debug("poller paused")
	p.signal()
}

// Resume restarts the repeating timer and schedules one fetch after the settle delay
func (p *Poller) Resume() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.logger.Debug("poller resumed")
	p.signal()

	time.AfterFunc(p.resumeDelay, func() { p.fetch("resume") })
}

// SetVisible mirrors the host visibility: hidden pauses, visible resumes
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.mu.Unlock()

	if visible {
		p.Resume()
	} else {
		p.Pause()
	}
}

// SetActiveView records whether the dashboard view is the one on screen
func (p *Poller) SetActiveView(active bool) {
	p.mu.Lock()
	p.activeView = active
	p.mu.Unlock()
}

// SetInterval cancels the current timer and starts a new one at interval
func (p *Poller) SetInterval(interval time.Duration) {
	p.mu.Lock()
	changed := p.interval != interval
	p.interval = interval
	p.running = true
	p.mu.Unlock()

	if changed {
		p.logger.Info("refresh interval changed", zap.Duration("interval", interval))
	}
	p.signal()
}

// OnConfigChange restarts the timer with the refresh interval of the new client configuration
func (p *Poller) OnConfigChange(_, updated sensor.Config) {
	p.SetInterval(updated.RefreshInterval)
}

// State returns the current lifecycle flags
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Running:         p.running,
		Visible:         p.visible,
		ActiveView:      p.activeView,
		Interval:        p.interval,
		IntervalSeconds: p.interval.Seconds(),
		Fetches:         p.fetches.Load(),
	}
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) onTick() {
	p.mu.Lock()
	eligible := p.running && p.visible && p.activeView
	p.mu.Unlock()

	if !eligible {
		p.logger.Debug("skipping refresh tick")
		return
	}
	p.fetch("tick")
}

// fetch refreshes in its own goroutine; failures are logged and the timer keeps going
func (p *Poller) fetch(reason string) {
	p.mu.Lock()
	ctx := p.ctx
	if p.stopped || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	p.fetches.Add(1)
	go func() {
		defer p.inflight.Done()
		if err := p.refresher.Refresh(ctx); err != nil {
			p.logger.Warn("dashboard refresh failed", zap.String("reason", reason), zap.Error(err))
		}
	}()
}
