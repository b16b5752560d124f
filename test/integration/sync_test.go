// Package integration runs the sync pipeline against a real SQLite source and an
// on-disk index.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/embedding"
	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/storage"
	"github.com/hyperjump/ivfsync/internal/syncer"
	"github.com/hyperjump/ivfsync/internal/vector"
	"github.com/hyperjump/ivfsync/internal/watcher"
)

const dim = 16

type pipeline struct {
	dir     string
	source  *storage.SQLiteSource
	manager *lifecycle.Manager
	orch    *syncer.Orchestrator
	watch   *watcher.Watcher
}

func openManager(t *testing.T, dir string) *lifecycle.Manager {
	t.Helper()
	m, err := lifecycle.Open(lifecycle.Config{
		Dir:              dir,
		Dimensions:       dim,
		Params:           vector.DefaultParams(),
		RetrainThreshold: lifecycle.DefaultRetrainThreshold,
	}, lifecycle.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	root := t.TempDir()
	src, err := storage.NewSQLiteSource(filepath.Join(root, "db", "records.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = src.Close() })

	dir := filepath.Join(root, "index")
	m := openManager(t, dir)
	orch := syncer.New(src, m, embedding.NewMockEmbedder(dim), syncer.WithLogger(zap.NewNop()))
	return &pipeline{
		dir:     dir,
		source:  src,
		manager: m,
		orch:    orch,
		watch:   watcher.New(orch, watcher.WithLogger(zap.NewNop())),
	}
}

func records(start, n int, status string) []*models.Record {
	out := make([]*models.Record, 0, n)
	for i := start; i < start+n; i++ {
		out = append(out, &models.Record{
			ID:     int64(i),
			Title:  fmt.Sprintf("Listing %d", i),
			Body:   fmt.Sprintf("Description of listing %d.", i),
			Fields: map[string]string{"city": fmt.Sprintf("City %d", i%7)},
			Status: status,
		})
	}
	return out
}

func (p *pipeline) upsert(t *testing.T, rs []*models.Record) {
	t.Helper()
	if err := p.source.UpsertRecords(context.Background(), rs); err != nil {
		t.Fatal(err)
	}
}

func TestIntegration_BootstrapThenWatch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.upsert(t, records(1, 120, models.StatusPublished))
	p.upsert(t, records(500, 3, "Draft"))

	if out := p.orch.RunFullSync(ctx); out.Kind != syncer.Applied || out.Applied != 120 {
		t.Fatalf("bootstrap = %v", out)
	}

	// Nothing new: the tick reports no change without syncing.
	if out, ran := p.watch.Tick(ctx); !ran || out.Kind != syncer.NoChange {
		t.Fatalf("idle tick = %v, %v", out, ran)
	}

	p.upsert(t, records(121, 20, models.StatusPublished))
	out, ran := p.watch.Tick(ctx)
	if !ran || out.Kind != syncer.Applied || out.Applied != 20 || out.Retrained {
		t.Fatalf("tick = %v, %v (retrained=%v)", out, ran, out.Retrained)
	}

	// Publishing a draft makes it eligible.
	p.upsert(t, []*models.Record{{ID: 500, Title: "Listing 500", Status: models.StatusPublished}})
	if out, _ := p.watch.Tick(ctx); out.Kind != syncer.Applied || out.Applied != 1 {
		t.Fatalf("publish tick = %v", out)
	}
	if _, ok := p.manager.PositionOf(501); ok {
		t.Error("draft record 501 was indexed")
	}
	if p.manager.Count() != 141 || p.manager.Size() != 141 {
		t.Errorf("count=%d size=%d", p.manager.Count(), p.manager.Size())
	}
	if c := p.manager.Cursor(); c.MaxExternalID != 500 {
		t.Errorf("cursor = %+v", c)
	}
	if st := p.watch.Stats(); st.Syncs != 2 || st.Failures != 0 {
		t.Errorf("watcher stats = %+v", st)
	}
}

func TestIntegration_RetrainOnLargeBatch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.upsert(t, records(1, 100, models.StatusPublished))
	p.orch.RunFullSync(ctx)
	before := p.manager.Status()

	p.upsert(t, records(101, 80, models.StatusPublished))
	out := p.orch.RunIncrementalSync(ctx)
	if out.Kind != syncer.Applied || !out.Retrained {
		t.Fatalf("outcome = %v retrained=%v", out, out.Retrained)
	}
	after := p.manager.Status()
	if after.Generation <= before.Generation || after.Fingerprint == before.Fingerprint {
		t.Errorf("generation %d -> %d", before.Generation, after.Generation)
	}
	// Existing records keep their positions across a retrain.
	for id := int64(1); id <= 100; id++ {
		if pos, ok := p.manager.PositionOf(id); !ok || pos != id-1 {
			t.Fatalf("PositionOf(%d) = %d, %v", id, pos, ok)
		}
	}
}

func TestIntegration_ReopenRestoresState(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.upsert(t, records(1, 150, models.StatusPublished))
	if out := p.orch.RunFullSync(ctx); out.Kind != syncer.Applied {
		t.Fatalf("bootstrap = %v", out)
	}
	e := embedding.NewMockEmbedder(dim)
	query, _ := e.Embed(ctx, "Listing 42")
	want, err := p.manager.Search(ctx, query, 5)
	if err != nil {
		t.Fatal(err)
	}

	reopened := openManager(t, p.dir)
	if reopened.Status().Fingerprint != p.manager.Status().Fingerprint {
		t.Error("fingerprint changed across reopen")
	}
	if reopened.Count() != 150 || !reopened.TrackedIDs().Equals(p.manager.TrackedIDs()) {
		t.Errorf("reopened count = %d", reopened.Count())
	}
	got, err := reopened.Search(ctx, query, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d hits, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hit %d: got %+v, want %+v", i, got[i], want[i])
		}
	}

	// A no-op sync on the reopened index leaves the files untouched.
	files := func() map[string]int64 {
		entries, err := os.ReadDir(p.dir)
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]int64{}
		for _, e := range entries {
			info, _ := e.Info()
			out[e.Name()] = info.ModTime().UnixNano()
		}
		return out
	}
	before := files()
	orch := syncer.New(p.source, reopened, e, syncer.WithLogger(zap.NewNop()))
	if out := orch.RunIncrementalSync(ctx); out.Kind != syncer.NoChange {
		t.Errorf("no-op sync = %v", out)
	}
	after := files()
	for name, mod := range before {
		if name == ".lock" {
			continue
		}
		if after[name] != mod {
			t.Errorf("%s modified by no-op sync", name)
		}
	}
}
