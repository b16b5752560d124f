// Package watcher polls the record source on a fixed interval and runs an incremental
// sync when new records are pending, never running two syncs at once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/syncer"
)

const (
	// DefaultInterval is the poll interval when none is configured.
	DefaultInterval = 300 * time.Second

	defaultDebounce = 400 * time.Millisecond
)

// State is the watcher's position in Idle -> Polling -> (Syncing -> Idle | Idle), with
// Stopped as the terminal state.
type State int32

const (
	Idle State = iota
	Polling
	Syncing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Syncing:
		return "syncing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Syncer is what a tick drives.
type Syncer interface {
	Pending(ctx context.Context) (int, error)
	RunIncrementalSync(ctx context.Context) syncer.Outcome
}

// Stats counts ticks since Start.
type Stats struct {
	State       string          `json:"state"`
	Ticks       uint64          `json:"ticks"`
	Skipped     uint64          `json:"skipped"`
	Syncs       uint64          `json:"syncs"`
	Failures    uint64          `json:"failures"`
	LastTick    time.Time       `json:"last_tick,omitempty"`
	LastOutcome *syncer.Outcome `json:"last_outcome,omitempty"`
}

// Watcher runs Tick on a cron schedule and, optionally, shortly after the source
// database file changes.
type Watcher struct {
	syncer     Syncer
	interval   time.Duration
	sourcePath string
	debounce   time.Duration
	logger     *zap.Logger

	state    atomic.Int32
	stopping atomic.Bool
	tickMu   sync.Mutex // held for the whole of a tick

	mu      sync.Mutex
	stats   Stats
	started bool
	cron    *cron.Cron
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	ctx     context.Context

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithInterval sets the poll interval. Non-positive values keep DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSourceWakeup ticks early, after debounce, when the file at path (or its SQLite
// -wal / -journal companions) is written.
func WithSourceWakeup(path string, debounce time.Duration) Option {
	return func(w *Watcher) {
		w.sourcePath = path
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// New returns a stopped-until-started watcher over s.
func New(s Syncer, opts ...Option) *Watcher {
	w := &Watcher{
		syncer:   s,
		interval: DefaultInterval,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Stats returns a snapshot of the tick counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.State = w.State().String()
	if st.LastOutcome != nil {
		o := *st.LastOutcome
		st.LastOutcome = &o
	}
	return st
}

// Tick polls once and syncs if records are pending. It returns false without doing
// anything when another tick is in flight or the watcher is stopped.
func (w *Watcher) Tick(ctx context.Context) (syncer.Outcome, bool) {
	if w.stopping.Load() || !w.state.CompareAndSwap(int32(Idle), int32(Polling)) {
		w.mu.Lock()
		w.stats.Skipped++
		w.mu.Unlock()
		w.logger.Debug("tick skipped", zap.Stringer("state", w.State()))
		return syncer.Outcome{}, false
	}
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	defer w.state.CompareAndSwap(int32(Syncing), int32(Idle))
	defer w.state.CompareAndSwap(int32(Polling), int32(Idle))
	if w.stopping.Load() {
		return syncer.Outcome{}, false
	}

	var out syncer.Outcome
	pending, err := w.syncer.Pending(ctx)
	switch {
	case err != nil:
		out = syncer.Outcome{Kind: syncer.Failed, Err: err}
	case pending == 0:
		out = syncer.Outcome{Kind: syncer.NoChange}
	default:
		w.state.Store(int32(Syncing))
		w.logger.Debug("records pending", zap.Int("count", pending))
		out = w.syncer.RunIncrementalSync(ctx)
	}
	w.record(out)
	return out, true
}

func (w *Watcher) record(out syncer.Outcome) {
	w.mu.Lock()
	w.stats.Ticks++
	w.stats.LastTick = time.Now()
	switch out.Kind {
	case syncer.Applied:
		w.stats.Syncs++
	case syncer.Failed:
		w.stats.Failures++
	}
	w.stats.LastOutcome = &out
	w.mu.Unlock()

	if out.Kind == syncer.Failed {
		w.logger.Warn("watcher tick failed, retrying next interval",
			zap.Bool("source_unavailable", syncer.IsSourceUnavailable(out.Err)),
			zap.Error(out.Err))
		return
	}
	w.logger.Debug("watcher tick", zap.Stringer("outcome", out.Kind), zap.Int("applied", out.Applied))
}

// Start schedules ticks every interval, runs one immediately and, if configured, watches
// the source file. Ticks run on a context detached from ctx so cancelling ctx stops
// the watcher without interrupting a sync in flight.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if w.stopping.Load() {
		return errors.New("watcher: already stopped")
	}
	w.ctx = context.WithoutCancel(ctx)

	cl := cronLogger{w.logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl))
	schedule := fmt.Sprintf("@every %s", w.interval)
	if _, err := c.AddFunc(schedule, func() { w.Tick(w.ctx) }); err != nil {
		return fmt.Errorf("watcher: schedule %q: %w", schedule, err)
	}

	if w.sourcePath != "" {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watcher: fsnotify: %w", err)
		}
		if err := fsw.Add(filepath.Dir(w.sourcePath)); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watcher: watch %s: %w", filepath.Dir(w.sourcePath), err)
		}
		w.fsw = fsw
		w.wg.Add(1)
		go w.watchSource()
	}

	w.cron = c
	w.started = true
	c.Start()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.Tick(w.ctx)
	}()
	go func() {
		defer w.wg.Done()
		select {
		case <-ctx.Done():
			go w.Stop()
		case <-w.done:
		}
	}()

	w.logger.Info("watcher started",
		zap.Duration("interval", w.interval),
		zap.String("source_wakeup", w.sourcePath))
	return nil
}

func (w *Watcher) watchSource() {
	defer w.wg.Done()
	base := filepath.Base(w.sourcePath)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.logger.Debug("source changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			w.scheduleWakeup()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("source watch error", zap.Error(err))
		}
	}
}

// scheduleWakeup ticks once after events stop arriving for the debounce period.
func (w *Watcher) scheduleWakeup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping.Load() {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.timer = nil
		if w.stopping.Load() {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		w.Tick(w.ctx)
	})
}

// Stop prevents further ticks and waits for an in-flight sync to finish. It is safe to
// call more than once and from any goroutine except a tick.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopping.Store(true)
		close(w.done)
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		c, fsw := w.cron, w.fsw
		w.mu.Unlock()

		if c != nil {
			<-c.Stop().Done()
		}
		if fsw != nil {
			_ = fsw.Close()
		}
		w.wg.Wait()
		w.tickMu.Lock()
		w.state.Store(int32(Stopped))
		w.tickMu.Unlock()
		w.logger.Info("watcher stopped")
	})
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
