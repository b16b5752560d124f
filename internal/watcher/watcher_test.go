package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/syncer"
)

type fakeSyncer struct {
	pending    atomic.Int64
	pendingErr error
	syncs      atomic.Int64

	// block, when set, holds RunIncrementalSync until closed.
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeSyncer) Pending(context.Context) (int, error) {
	if f.pendingErr != nil {
		return 0, f.pendingErr
	}
	return int(f.pending.Load()), nil
}

func (f *fakeSyncer) RunIncrementalSync(context.Context) syncer.Outcome {
	f.syncs.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	n := int(f.pending.Swap(0))
	return syncer.Outcome{Kind: syncer.Applied, Applied: n}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTick_NoPendingSkipsSync(t *testing.T) {
	fs := &fakeSyncer{}
	w := New(fs, WithLogger(zap.NewNop()))

	out, ran := w.Tick(context.Background())
	if !ran || out.Kind != syncer.NoChange {
		t.Fatalf("Tick() = %v, %v", out, ran)
	}
	if fs.syncs.Load() != 0 {
		t.Errorf("RunIncrementalSync called %d times", fs.syncs.Load())
	}
	if w.State() != Idle {
		t.Errorf("State() = %v", w.State())
	}
}

func TestTick_PendingRunsSync(t *testing.T) {
	fs := &fakeSyncer{}
	fs.pending.Store(3)
	w := New(fs)

	out, ran := w.Tick(context.Background())
	if !ran || out.Kind != syncer.Applied || out.Applied != 3 {
		t.Fatalf("Tick() = %v, %v", out, ran)
	}
	st := w.Stats()
	if st.Ticks != 1 || st.Syncs != 1 || st.Failures != 0 || st.LastOutcome == nil {
		t.Errorf("Stats() = %+v", st)
	}
	if st.State != "idle" {
		t.Errorf("Stats().State = %q", st.State)
	}
}

func TestTick_PendingErrorIsFailure(t *testing.T) {
	fs := &fakeSyncer{pendingErr: &syncer.SourceUnavailableError{Op: "published_ids", Err: errors.New("locked")}}
	w := New(fs)

	out, ran := w.Tick(context.Background())
	if !ran || out.Kind != syncer.Failed || !syncer.IsSourceUnavailable(out.Err) {
		t.Fatalf("Tick() = %v, %v", out, ran)
	}
	if w.State() != Idle {
		t.Errorf("State() = %v after failure", w.State())
	}
	if st := w.Stats(); st.Failures != 1 {
		t.Errorf("Failures = %d", st.Failures)
	}
}

func TestTick_SkippedWhileSyncing(t *testing.T) {
	fs := &fakeSyncer{block: make(chan struct{}), started: make(chan struct{})}
	fs.pending.Store(5)
	w := New(fs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Tick(context.Background())
	}()
	<-fs.started
	if w.State() != Syncing {
		t.Errorf("State() = %v during sync", w.State())
	}

	if _, ran := w.Tick(context.Background()); ran {
		t.Error("second tick ran while a sync was in flight")
	}
	close(fs.block)
	<-done

	if fs.syncs.Load() != 1 {
		t.Errorf("RunIncrementalSync called %d times", fs.syncs.Load())
	}
	if st := w.Stats(); st.Skipped != 1 || st.Ticks != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	fs := &fakeSyncer{}
	fs.pending.Store(2)
	w := New(fs, WithInterval(time.Hour))

	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "immediate tick", func() bool { return w.Stats().Ticks >= 1 })
	if fs.syncs.Load() != 1 {
		t.Errorf("RunIncrementalSync called %d times", fs.syncs.Load())
	}

	w.Stop()
	w.Stop()
	if w.State() != Stopped {
		t.Errorf("State() = %v", w.State())
	}
	if _, ran := w.Tick(context.Background()); ran {
		t.Error("tick ran after Stop")
	}
	if err := w.Start(context.Background()); err != nil {
		t.Errorf("Start() after Stop = %v", err)
	}
}

func TestStop_WaitsForInFlightSync(t *testing.T) {
	fs := &fakeSyncer{block: make(chan struct{}), started: make(chan struct{})}
	fs.pending.Store(1)
	w := New(fs, WithInterval(time.Hour))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-fs.started

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the sync finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(fs.block)
	<-stopped
	if w.State() != Stopped {
		t.Errorf("State() = %v", w.State())
	}
}

func TestStart_ContextCancelStops(t *testing.T) {
	fs := &fakeSyncer{}
	w := New(fs, WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitFor(t, "stop", func() bool { return w.State() == Stopped })
}

func TestWakeOnSourceChange(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "source.db")
	if err := os.WriteFile(db, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := &fakeSyncer{}
	w := New(fs, WithInterval(time.Hour), WithSourceWakeup(db, 20*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	waitFor(t, "immediate tick", func() bool { return w.Stats().Ticks >= 1 })

	// Unrelated files in the same directory do not wake the watcher.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs.pending.Store(4)
	if err := os.WriteFile(db, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "wake-up sync", func() bool { return fs.syncs.Load() == 1 })
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:     "idle",
		Polling:  "polling",
		Syncing:  "syncing",
		Stopped:  "stopped",
		State(9): "state(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), got, want)
		}
	}
}
