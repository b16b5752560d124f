// Package syncer pulls records that are not yet indexed from the source, embeds them
// and hands them to the index lifecycle manager.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/ivfsync/internal/embedding"
	"github.com/hyperjump/ivfsync/internal/identity"
	"github.com/hyperjump/ivfsync/internal/lifecycle"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/vector"
)

// Source is the record store. A record once returned with an id never changes it.
type Source interface {
	FetchAll(ctx context.Context) ([]*models.Record, error)
	FetchWhereNotIn(ctx context.Context, excluded *roaring64.Bitmap) ([]*models.Record, error)
	PublishedIDs(ctx context.Context) (*roaring64.Bitmap, error)
}

// Index is the part of the lifecycle manager a sync drives.
type Index interface {
	EnsureReady(ctx context.Context, samples lifecycle.SampleProvider) (vector.State, error)
	Ingest(ctx context.Context, batch lifecycle.Batch) (lifecycle.IngestResult, error)
	Search(ctx context.Context, query []float32, k int) ([]models.SearchHit, error)
	Refresh(ctx context.Context) error
	TrackedIDs() *roaring64.Bitmap
	IsTrained() bool
	Count() int
	Size() int
}

// Orchestrator runs full and incremental sync passes. It does not serialize passes
// itself; the lifecycle manager serializes the commits and the watcher never overlaps
// ticks.
type Orchestrator struct {
	source    Source
	index     Index
	embedder  embedding.Embedder
	formatter embedding.Formatter
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRateLimit caps embedding calls at perSecond with the given burst. A non-positive
// rate means unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Orchestrator) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithFormatter sets how a record becomes embedding text. Defaults to embedding.FormatRecord.
func WithFormatter(f embedding.Formatter) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.formatter = f
		}
	}
}

// New returns an orchestrator over source and index using embedder.
func New(source Source, index Index, embedder embedding.Embedder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:    source,
		index:     index,
		embedder:  embedder,
		formatter: embedding.FormatRecord,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pending returns how many published records are not yet indexed.
func (o *Orchestrator) Pending(ctx context.Context) (int, error) {
	delta, err := o.delta(ctx)
	if err != nil {
		return 0, err
	}
	return int(delta.GetCardinality()), nil
}

func (o *Orchestrator) delta(ctx context.Context) (*roaring64.Bitmap, error) {
	if err := o.refresh(ctx); err != nil {
		return nil, err
	}
	published, err := o.source.PublishedIDs(ctx)
	if err != nil {
		return nil, &SourceUnavailableError{Op: "published_ids", Err: err}
	}
	delta := published.Clone()
	delta.AndNot(o.index.TrackedIDs())
	return delta, nil
}

// refresh picks up commits made by other processes before tracked ids are read.
func (o *Orchestrator) refresh(ctx context.Context) error {
	if err := o.index.Refresh(ctx); err != nil {
		return fmt.Errorf("syncer: refresh index: %w", err)
	}
	return nil
}

// RunFullSync fetches every published record, trains the index on them if it is not
// trained yet, and ingests the ones not already tracked. It bootstraps a new index.
func (o *Orchestrator) RunFullSync(ctx context.Context) Outcome {
	run := o.begin("full")

	records, err := o.source.FetchAll(ctx)
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: &SourceUnavailableError{Op: "fetch_all", Err: err}})
	}
	if err := o.refresh(ctx); err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}
	tracked := o.index.TrackedIDs()
	pending := records[:0:0]
	for _, r := range records {
		if r.ID >= 0 && !tracked.Contains(uint64(r.ID)) {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 && o.index.IsTrained() {
		return o.finish(run, Outcome{Kind: NoChange})
	}

	ids, vectors, err := o.embed(ctx, pending)
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}

	samples := lifecycle.SampleFunc(func(context.Context) ([][]float32, error) { return vectors, nil })
	if _, err := o.index.EnsureReady(ctx, samples); err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}
	return o.ingest(ctx, run, ids, vectors)
}

// RunIncrementalSync ingests the published records missing from the index. It reports
// NoChange without embedding anything when there are none.
func (o *Orchestrator) RunIncrementalSync(ctx context.Context) Outcome {
	run := o.begin("incremental")

	delta, err := o.delta(ctx)
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}
	if delta.IsEmpty() {
		return o.finish(run, Outcome{Kind: NoChange})
	}
	if !o.index.IsTrained() {
		return o.finish(run, Outcome{Kind: Failed, Err: fmt.Errorf("syncer: run a full sync first: %w", vector.ErrNotTrained)})
	}

	records, err := o.source.FetchWhereNotIn(ctx, o.index.TrackedIDs())
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: &SourceUnavailableError{Op: "fetch_where_not_in", Err: err}})
	}
	pending := records[:0:0]
	for _, r := range records {
		if r.ID >= 0 && delta.Contains(uint64(r.ID)) {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return o.finish(run, Outcome{Kind: NoChange})
	}

	ids, vectors, err := o.embed(ctx, pending)
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}
	return o.ingest(ctx, run, ids, vectors)
}

// embed formats and embeds records in id order. Cancellation is checked between records.
func (o *Orchestrator) embed(ctx context.Context, records []*models.Record) ([]int64, [][]float32, error) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	ids := make([]int64, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}
		v, err := o.embedder.Embed(ctx, o.formatter(r))
		if err != nil {
			return nil, nil, &EmbedError{ExternalID: r.ID, Err: err}
		}
		ids = append(ids, r.ID)
		vectors = append(vectors, v)
	}
	return ids, vectors, nil
}

func (o *Orchestrator) ingest(ctx context.Context, run *runInfo, ids []int64, vectors [][]float32) Outcome {
	res, err := o.index.Ingest(ctx, lifecycle.Batch{
		IDs:     ids,
		Vectors: vectors,
		Cursor:  identity.Cursor{RunID: run.id},
	})
	if err != nil {
		return o.finish(run, Outcome{Kind: Failed, Err: err})
	}
	o.verify(ctx, run, ids, vectors)
	return o.finish(run, Outcome{Kind: Applied, Applied: res.Added, Retrained: res.Retrained, Generation: res.Generation})
}

// verify checks the committed counts and probes the index with the first new vector.
// Failures are logged; the batch is already committed.
func (o *Orchestrator) verify(ctx context.Context, run *runInfo, ids []int64, vectors [][]float32) {
	if count, size := o.index.Count(), o.index.Size(); count != size {
		o.logger.Error("index and mapping disagree after sync",
			zap.String("run_id", run.id), zap.Int("count", count), zap.Int("size", size))
		return
	}
	if len(vectors) == 0 {
		return
	}
	hits, err := o.index.Search(ctx, vectors[0], 1)
	if err != nil {
		o.logger.Warn("verification search failed", zap.String("run_id", run.id), zap.Error(err))
		return
	}
	o.logger.Debug("verification search",
		zap.String("run_id", run.id),
		zap.Int64("probe_id", ids[0]),
		zap.Bool("found_self", len(hits) > 0 && hits[0].ExternalID == ids[0]))
}

type runInfo struct {
	id    string
	mode  string
	start time.Time
}

func (o *Orchestrator) begin(mode string) *runInfo {
	run := &runInfo{id: uuid.NewString(), mode: mode, start: time.Now()}
	o.logger.Debug("sync started", zap.String("run_id", run.id), zap.String("mode", mode))
	return run
}

func (o *Orchestrator) finish(run *runInfo, out Outcome) Outcome {
	out.RunID = run.id
	out.Duration = time.Since(run.start)
	fields := []zap.Field{
		zap.String("run_id", run.id),
		zap.String("mode", run.mode),
		zap.Stringer("outcome", out.Kind),
		zap.Int("applied", out.Applied),
		zap.Bool("retrained", out.Retrained),
		zap.Duration("duration", out.Duration),
	}
	if out.Kind == Failed {
		o.logger.Warn("sync failed", append(fields, zap.Error(out.Err))...)
		return out
	}
	o.logger.Info("sync finished", fields...)
	return out
}

// IsSourceUnavailable reports whether err came from the record source.
func IsSourceUnavailable(err error) bool {
	var sue *SourceUnavailableError
	return errors.As(err, &sue)
}
