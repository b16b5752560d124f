// Package lifecycle owns the vector index and its identity map: it decides between
// training, retraining and appending, and commits both files so they never drift apart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/hyperjump/ivfsync/internal/fsutil"
	"github.com/hyperjump/ivfsync/internal/identity"
	"github.com/hyperjump/ivfsync/internal/models"
	"github.com/hyperjump/ivfsync/internal/vector"
)

const (
	// IdentityFile is the commit point: the generation it names is the live index.
	IdentityFile = "identity.json"

	lockFile        = ".lock"
	indexFilePrefix = "index-"
	indexFileSuffix = ".ivfpq"

	// DefaultRetrainThreshold is the new/existing ratio at or above which ingest retrains.
	DefaultRetrainThreshold = 0.5
)

// IndexFileName returns the file name of index generation gen.
func IndexFileName(gen uint64) string {
	return fmt.Sprintf("%s%06d%s", indexFilePrefix, gen, indexFileSuffix)
}

// Config configures a Manager.
type Config struct {
	Dir              string
	Dimensions       int
	Params           vector.Params
	RetrainThreshold float64
}

func (c Config) validate() error {
	if c.Dir == "" {
		return errors.New("lifecycle: index directory is required")
	}
	if c.Dimensions < 1 {
		return fmt.Errorf("lifecycle: dimensions must be positive, got %d", c.Dimensions)
	}
	if c.RetrainThreshold <= 0 {
		return fmt.Errorf("lifecycle: retrain threshold must be positive, got %v", c.RetrainThreshold)
	}
	return c.Params.Validate()
}

// SampleProvider supplies the training sample for an untrained or missing index.
type SampleProvider interface {
	Sample(ctx context.Context) ([][]float32, error)
}

// SampleFunc adapts a function to SampleProvider.
type SampleFunc func(ctx context.Context) ([][]float32, error)

func (f SampleFunc) Sample(ctx context.Context) ([][]float32, error) { return f(ctx) }

// Batch is one ingest: IDs[i] is the external id of Vectors[i].
type Batch struct {
	IDs     []int64
	Vectors [][]float32
	// Cursor is stored with the mapping. MaxExternalID is raised to the batch maximum
	// and SyncedAt defaults to the commit time.
	Cursor identity.Cursor
}

// IngestResult describes a committed ingest.
type IngestResult struct {
	Added       int    `json:"added"`
	Retrained   bool   `json:"retrained"`
	Size        int    `json:"size"`
	Generation  uint64 `json:"generation"`
	Fingerprint string `json:"fingerprint"`
}

// snapshot is an immutable committed state. Readers load it once per call.
type snapshot struct {
	index      *vector.Index // nil before the first commit
	ids        *identity.Map
	generation uint64
}

// Manager owns an index directory. Searches read the current snapshot without locking;
// Initialize, EnsureReady and Ingest serialize on a mutex and an advisory lock file,
// reload the directory if another process committed meanwhile, build the next state on
// copies and swap it in only after both files are committed.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]

	// beforeCommit runs after the new index file is written, before the identity file.
	beforeCommit func(indexPath string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Open loads the committed state from cfg.Dir, creating the directory if needed.
// Index files of generations other than the committed one are left over from an
// interrupted commit and are removed.
func Open(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "create directory", Path: cfg.Dir, Err: err}
	}

	lock, err := fsutil.Lock(m.path(lockFile))
	if err != nil {
		return nil, &PersistenceError{Op: "lock", Path: m.path(lockFile), Err: err}
	}
	defer lock.Unlock()

	snap, err := m.loadCommitted()
	if err != nil {
		return nil, err
	}
	m.removeStray(snap.generation)
	m.current.Store(snap)

	m.logger.Info("index opened",
		zap.String("dir", cfg.Dir),
		zap.Uint64("generation", snap.generation),
		zap.Int("count", snap.ids.Count()),
		zap.Bool("trained", snap.index != nil && snap.index.IsTrained()))
	return m, nil
}

func (m *Manager) loadCommitted() (*snapshot, error) {
	ids, err := identity.Load(m.path(IdentityFile))
	if errors.Is(err, os.ErrNotExist) {
		return &snapshot{ids: identity.New()}, nil
	}
	if err != nil {
		return nil, err
	}
	ref := ids.Index()
	if ref.Generation == 0 {
		if ids.Count() != 0 {
			return nil, fmt.Errorf("lifecycle: identity file maps %d ids but names no index", ids.Count())
		}
		return &snapshot{ids: ids}, nil
	}

	file := ref.File
	if file == "" {
		file = IndexFileName(ref.Generation)
	}
	idx, err := vector.Load(m.path(file))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load committed index generation %d: %w", ref.Generation, err)
	}
	if idx.Dimensions() != m.cfg.Dimensions {
		return nil, &vector.DimensionError{Expected: m.cfg.Dimensions, Actual: idx.Dimensions()}
	}
	if idx.Size() != ids.Count() {
		return nil, fmt.Errorf("lifecycle: index holds %d vectors but identity file maps %d ids", idx.Size(), ids.Count())
	}
	if ref.Fingerprint != "" && ref.Fingerprint != idx.Fingerprint() {
		return nil, fmt.Errorf("lifecycle: index generation %d fingerprint does not match identity file", ref.Generation)
	}
	return &snapshot{index: idx, ids: ids, generation: ref.Generation}, nil
}

// removeStray deletes index generations and temp files other than the committed one.
func (m *Manager) removeStray(committed uint64) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		m.logger.Warn("list index directory", zap.Error(err))
		return
	}
	keep := IndexFileName(committed)
	for _, e := range entries {
		name := e.Name()
		stray := strings.Contains(name, ".tmp-") ||
			(strings.HasPrefix(name, indexFilePrefix) && strings.HasSuffix(name, indexFileSuffix) && (committed == 0 || name != keep))
		if !stray {
			continue
		}
		if err := os.Remove(m.path(name)); err != nil {
			m.logger.Warn("remove stray file", zap.String("file", name), zap.Error(err))
			continue
		}
		m.logger.Info("removed uncommitted file", zap.String("file", name))
	}
}

// Initialize persists an untrained index with the configured parameters so a later
// EnsureReady trains it. It does nothing if an index already exists.
func (m *Manager) Initialize(ctx context.Context) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	snap := m.current.Load()
	if snap.index != nil {
		return nil
	}
	idx, err := vector.New(m.cfg.Dimensions, m.cfg.Params)
	if err != nil {
		return err
	}
	return m.commit(snap, idx, snap.ids.Clone())
}

// EnsureReady makes the index trained. A trained index is used as is; an untrained or
// missing one is trained on the vectors from samples.
func (m *Manager) EnsureReady(ctx context.Context, samples SampleProvider) (vector.State, error) {
	if snap := m.current.Load(); snap.index != nil && snap.index.IsTrained() {
		return vector.Trained, nil
	}

	sample, err := samples.Sample(ctx)
	if err != nil {
		return vector.Untrained, fmt.Errorf("lifecycle: training sample: %w", err)
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return vector.Untrained, err
	}
	defer unlock()

	snap := m.current.Load()
	if snap.index != nil && snap.index.IsTrained() {
		return vector.Trained, nil
	}
	base := snap.index
	if base == nil {
		if base, err = vector.New(m.cfg.Dimensions, m.cfg.Params); err != nil {
			return vector.Untrained, err
		}
	}

	start := time.Now()
	trained, err := base.Train(sample)
	if err != nil {
		return vector.Untrained, fmt.Errorf("lifecycle: train: %w", err)
	}
	if err := m.commit(snap, trained, snap.ids.Clone()); err != nil {
		return vector.Untrained, err
	}
	m.logger.Info("index trained",
		zap.Int("sample", len(sample)),
		zap.Int("nlist", trained.NList()),
		zap.Int("m", trained.Subquantizers()),
		zap.Duration("duration", time.Since(start)))
	return vector.Trained, nil
}

// Ingest adds a batch and commits the index and mapping together. When the batch is at
// least RetrainThreshold times the current size, the index is rebuilt from all stored
// vectors (reconstructed from their codes) plus the batch. Existing positions are kept
// either way.
//
// Ingest is not cancellable once it starts mutating: ctx is only checked before then.
func (m *Manager) Ingest(ctx context.Context, batch Batch) (IngestResult, error) {
	if err := m.validateBatch(batch); err != nil {
		return IngestResult{}, ingestErr(ReasonInvalidInput, err)
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return IngestResult{}, ingestErr(ReasonPersistence, err)
	}
	defer unlock()

	snap := m.current.Load()
	if len(batch.IDs) == 0 {
		return m.result(snap, 0, false), nil
	}
	if snap.index == nil || !snap.index.IsTrained() {
		return IngestResult{}, ingestErr(ReasonNotTrained, vector.ErrNotTrained)
	}

	existing := snap.index.Size()
	pairs := make(map[int64]int64, len(batch.IDs))
	for i, id := range batch.IDs {
		pairs[id] = int64(existing + i)
	}
	if err := snap.ids.Validate(pairs); err != nil {
		return IngestResult{}, ingestErr(ReasonConflict, err)
	}

	retrain := existing > 0 && float64(len(batch.IDs))/float64(existing) >= m.cfg.RetrainThreshold
	var next *vector.Index
	var positions []int64
	if retrain {
		corpus := append(snap.index.Vectors(), batch.Vectors...)
		if next, err = snap.index.Train(corpus); err != nil {
			return IngestResult{}, ingestErr(ReasonTraining, err)
		}
		all, err := next.Add(corpus)
		if err != nil {
			return IngestResult{}, ingestErr(ReasonTraining, err)
		}
		positions = all[existing:]
	} else {
		next = snap.index.Clone()
		if positions, err = next.Add(batch.Vectors); err != nil {
			return IngestResult{}, ingestErr(ReasonInvalidInput, err)
		}
	}

	ids := snap.ids.Clone()
	for i, id := range batch.IDs {
		pairs[id] = positions[i]
	}
	if err := ids.Record(pairs); err != nil {
		return IngestResult{}, ingestErr(ReasonConflict, err)
	}
	if ids.Count() != next.Size() {
		return IngestResult{}, ingestErr(ReasonConflict,
			fmt.Errorf("mapping holds %d ids but index holds %d vectors", ids.Count(), next.Size()))
	}
	ids.SetCursor(nextCursor(snap.ids.Cursor(), batch))

	if err := m.commit(snap, next, ids); err != nil {
		return IngestResult{}, ingestErr(ReasonPersistence, err)
	}
	res := m.result(m.current.Load(), len(batch.IDs), retrain)
	m.logger.Info("batch ingested",
		zap.Int("added", res.Added),
		zap.Bool("retrained", retrain),
		zap.Int("size", res.Size),
		zap.Uint64("generation", res.Generation))
	return res, nil
}

func (m *Manager) validateBatch(b Batch) error {
	if len(b.IDs) != len(b.Vectors) {
		return fmt.Errorf("%d ids for %d vectors", len(b.IDs), len(b.Vectors))
	}
	seen := make(map[int64]struct{}, len(b.IDs))
	for i, id := range b.IDs {
		if id < 0 {
			return fmt.Errorf("%w: %d", identity.ErrInvalidID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("external id %d appears twice in batch", id)
		}
		seen[id] = struct{}{}
		if len(b.Vectors[i]) != m.cfg.Dimensions {
			return &vector.DimensionError{Expected: m.cfg.Dimensions, Actual: len(b.Vectors[i])}
		}
	}
	return nil
}

func nextCursor(prev identity.Cursor, b Batch) identity.Cursor {
	c := b.Cursor
	if prev.MaxExternalID > c.MaxExternalID {
		c.MaxExternalID = prev.MaxExternalID
	}
	for _, id := range b.IDs {
		if id > c.MaxExternalID {
			c.MaxExternalID = id
		}
	}
	if c.SyncedAt.IsZero() {
		c.SyncedAt = time.Now().UTC()
	}
	return c
}

func (m *Manager) result(snap *snapshot, added int, retrained bool) IngestResult {
	res := IngestResult{Added: added, Retrained: retrained, Generation: snap.generation}
	if snap.index != nil {
		res.Size = snap.index.Size()
		res.Fingerprint = snap.index.Fingerprint()
	}
	return res
}

// commit writes next as a new generation, then the identity file naming it, then swaps
// the in-memory snapshot. The identity rename is the commit point: any failure before
// it leaves the previous generation live on disk and in memory.
func (m *Manager) commit(prev *snapshot, next *vector.Index, ids *identity.Map) error {
	gen := prev.generation + 1
	file := IndexFileName(gen)
	indexPath := m.path(file)

	if err := next.Save(indexPath); err != nil {
		return m.abort(prev, indexPath, &PersistenceError{Op: "write index", Path: indexPath, Err: err})
	}
	if m.beforeCommit != nil {
		if err := m.beforeCommit(indexPath); err != nil {
			return m.abort(prev, indexPath, &PersistenceError{Op: "commit", Path: indexPath, Err: err})
		}
	}

	ids.SetIndex(identity.IndexRef{Generation: gen, File: file, Fingerprint: next.Fingerprint()})
	identityPath := m.path(IdentityFile)
	if err := ids.Save(identityPath); err != nil {
		return m.abort(prev, indexPath, &PersistenceError{Op: "write identity", Path: identityPath, Err: err})
	}

	m.current.Store(&snapshot{index: next, ids: ids, generation: gen})
	if prev.generation > 0 {
		old := m.path(IndexFileName(prev.generation))
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("remove superseded index", zap.String("path", old), zap.Error(err))
		}
	}
	return nil
}

// abort removes the uncommitted index file and re-reads the identity file to confirm
// it still describes prev.
func (m *Manager) abort(prev *snapshot, indexPath string, cause *PersistenceError) error {
	if err := os.Remove(indexPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove uncommitted index", zap.String("path", indexPath), zap.Error(err))
	}
	if err := m.verifyCommitted(prev); err != nil {
		m.logger.Error("committed state check failed after persistence error", zap.Error(err))
		cause.Err = errors.Join(cause.Err, err)
		return cause
	}
	m.logger.Warn("commit aborted, previous generation intact",
		zap.Uint64("generation", prev.generation), zap.Error(cause.Err))
	return cause
}

func (m *Manager) verifyCommitted(prev *snapshot) error {
	onDisk, err := identity.Load(m.path(IdentityFile))
	if errors.Is(err, os.ErrNotExist) && prev.generation == 0 && prev.ids.Count() == 0 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("re-read identity file: %w", err)
	}
	if onDisk.Index().Generation != prev.generation || onDisk.Count() != prev.ids.Count() {
		return fmt.Errorf("identity file describes generation %d with %d ids, expected generation %d with %d ids",
			onDisk.Index().Generation, onDisk.Count(), prev.generation, prev.ids.Count())
	}
	return nil
}

// lock takes the writer mutex and the directory lock file, then reloads the committed
// state if another Manager on the same directory has committed since it was read.
func (m *Manager) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	fl, err := fsutil.Lock(m.path(lockFile))
	if err != nil {
		m.mu.Unlock()
		return nil, &PersistenceError{Op: "lock", Path: m.path(lockFile), Err: err}
	}
	unlock := func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("release index lock", zap.Error(err))
		}
		m.mu.Unlock()
	}
	if err := m.reloadIfStale(); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// reloadIfStale swaps in the on-disk committed state when it no longer matches the
// current snapshot. The caller holds the directory lock.
func (m *Manager) reloadIfStale() error {
	cur := m.current.Load()
	onDisk, err := identity.Load(m.path(IdentityFile))
	if errors.Is(err, os.ErrNotExist) {
		if cur.generation == 0 && cur.ids.Count() == 0 {
			return nil
		}
		return &PersistenceError{Op: "reload", Path: m.path(IdentityFile),
			Err: fmt.Errorf("identity file for generation %d is gone", cur.generation)}
	}
	if err != nil {
		return &PersistenceError{Op: "reload", Path: m.path(IdentityFile), Err: err}
	}
	if onDisk.Index() == cur.ids.Index() && onDisk.Count() == cur.ids.Count() {
		return nil
	}

	snap, err := m.loadCommitted()
	if err != nil {
		return &PersistenceError{Op: "reload", Path: m.cfg.Dir, Err: err}
	}
	m.current.Store(snap)
	m.logger.Info("reloaded index committed by another writer",
		zap.Uint64("from_generation", cur.generation),
		zap.Uint64("generation", snap.generation),
		zap.Int("count", snap.ids.Count()))
	return nil
}

// Refresh picks up a generation committed by another process on the same directory so
// Search and Status stop serving the superseded one.
func (m *Manager) Refresh(ctx context.Context) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	unlock()
	return nil
}

// Search returns the k nearest stored vectors to query as external ids.
func (m *Manager) Search(ctx context.Context, query []float32, k int) ([]models.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := m.current.Load()
	if snap.index == nil {
		return nil, vector.ErrNotTrained
	}
	results, err := snap.index.Search(query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]models.SearchHit, 0, len(results))
	for i, r := range results {
		id, ok := snap.ids.IDOf(r.Position)
		if !ok {
			return nil, fmt.Errorf("lifecycle: position %d has no external id", r.Position)
		}
		hits = append(hits, models.SearchHit{ExternalID: id, Distance: r.Distance, Rank: i + 1})
	}
	return hits, nil
}

// PositionOf resolves an external id in the committed mapping.
func (m *Manager) PositionOf(id int64) (int64, bool) {
	return m.current.Load().ids.PositionOf(id)
}

// TrackedIDs returns the external ids in the committed mapping.
func (m *Manager) TrackedIDs() *roaring64.Bitmap {
	return m.current.Load().ids.TrackedIDs()
}

// Count is the number of committed ids.
func (m *Manager) Count() int { return m.current.Load().ids.Count() }

// Size is the number of vectors in the committed index.
func (m *Manager) Size() int {
	if idx := m.current.Load().index; idx != nil {
		return idx.Size()
	}
	return 0
}

// IsTrained reports whether the committed index accepts vectors.
func (m *Manager) IsTrained() bool {
	idx := m.current.Load().index
	return idx != nil && idx.IsTrained()
}

// Cursor returns the committed sync cursor.
func (m *Manager) Cursor() identity.Cursor { return m.current.Load().ids.Cursor() }

// Dimensions returns the configured vector dimension.
func (m *Manager) Dimensions() int { return m.cfg.Dimensions }

// Status summarizes the committed state.
type Status struct {
	State            string          `json:"state"`
	Size             int             `json:"size"`
	Count            int             `json:"count"`
	Generation       uint64          `json:"generation"`
	Fingerprint      string          `json:"fingerprint,omitempty"`
	Dimensions       int             `json:"dimensions"`
	Params           vector.Params   `json:"params"`
	NList            int             `json:"nlist"`
	Subquantizers    int             `json:"m"`
	RetrainThreshold float64         `json:"retrain_threshold"`
	LastUpdated      time.Time       `json:"last_updated"`
	Cursor           identity.Cursor `json:"cursor"`
	Dir              string          `json:"dir"`
	DiskUsageBytes   int64           `json:"disk_usage_bytes"`
}

// Status reports the committed state. State is "empty" before anything is committed.
func (m *Manager) Status() Status {
	snap := m.current.Load()
	st := Status{
		State:            "empty",
		Count:            snap.ids.Count(),
		Generation:       snap.generation,
		Dimensions:       m.cfg.Dimensions,
		Params:           m.cfg.Params,
		RetrainThreshold: m.cfg.RetrainThreshold,
		LastUpdated:      snap.ids.LastUpdated(),
		Cursor:           snap.ids.Cursor(),
		Dir:              m.cfg.Dir,
	}
	if idx := snap.index; idx != nil {
		st.State = idx.State().String()
		st.Size = idx.Size()
		st.Fingerprint = idx.Fingerprint()
		st.Params = idx.Params()
		st.NList = idx.NList()
		st.Subquantizers = idx.Subquantizers()
	}
	if usage, err := fsutil.DiskUsageBytes(m.cfg.Dir); err == nil {
		st.DiskUsageBytes = usage
	}
	return st
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.cfg.Dir, name)
}
