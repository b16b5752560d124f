// Package identity keeps the durable bijection between external record ids and index
// positions, together with the sync cursor and the index generation it describes.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/ivfsync/internal/fsutil"
)

const fileVersion = 1

// Cursor marks the last successful sync.
type Cursor struct {
	MaxExternalID int64     `json:"max_external_id"`
	SyncedAt      time.Time `json:"synced_at,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
}

// IndexRef names the index file generation a mapping describes.
type IndexRef struct {
	Generation  uint64 `json:"generation"`
	File        string `json:"file,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Map is the id/position bijection. Reads may run concurrently; mutation is not
// synchronized, so writers work on a Clone.
type Map struct {
	toPos   map[int64]int64
	toID    map[int64]int64
	tracked *roaring64.Bitmap
	updated time.Time
	cursor  Cursor
	index   IndexRef
}

// New returns an empty map.
func New() *Map {
	return &Map{
		toPos:   make(map[int64]int64),
		toID:    make(map[int64]int64),
		tracked: roaring64.New(),
	}
}

// Validate checks pairs against the map without changing it.
func (m *Map) Validate(pairs map[int64]int64) error {
	claimed := make(map[int64]int64, len(pairs))
	for _, id := range sortedKeys(pairs) {
		pos := pairs[id]
		if id < 0 || pos < 0 {
			return fmt.Errorf("%w: id=%d position=%d", ErrInvalidID, id, pos)
		}
		if existing, ok := m.toPos[id]; ok {
			if existing == pos {
				continue
			}
			return &ConflictError{ID: id, Requested: pos, Existing: existing, Holder: m.holder(pos)}
		}
		if holder, ok := m.toID[pos]; ok {
			return &ConflictError{ID: id, Requested: pos, Existing: -1, Holder: holder}
		}
		if holder, ok := claimed[pos]; ok {
			return &ConflictError{ID: id, Requested: pos, Existing: -1, Holder: holder}
		}
		claimed[pos] = id
	}
	return nil
}

// Record adds pairs. If any pair conflicts nothing is recorded.
func (m *Map) Record(pairs map[int64]int64) error {
	if err := m.Validate(pairs); err != nil {
		return err
	}
	for id, pos := range pairs {
		m.toPos[id] = pos
		m.toID[pos] = id
		m.tracked.Add(uint64(id))
	}
	m.updated = time.Now().UTC()
	return nil
}

func (m *Map) holder(pos int64) int64 {
	if id, ok := m.toID[pos]; ok {
		return id
	}
	return -1
}

// PositionOf returns the position recorded for id.
func (m *Map) PositionOf(id int64) (int64, bool) {
	pos, ok := m.toPos[id]
	return pos, ok
}

// IDOf returns the external id stored at pos.
func (m *Map) IDOf(pos int64) (int64, bool) {
	id, ok := m.toID[pos]
	return id, ok
}

// TrackedIDs returns a copy of the set of recorded external ids.
func (m *Map) TrackedIDs() *roaring64.Bitmap {
	return m.tracked.Clone()
}

// Count is the number of recorded pairs, and so the number of indexed vectors.
func (m *Map) Count() int { return len(m.toPos) }

// LastUpdated is the time of the last Record, or of the loaded file.
func (m *Map) LastUpdated() time.Time { return m.updated }

func (m *Map) Cursor() Cursor { return m.cursor }

func (m *Map) SetCursor(c Cursor) { m.cursor = c }

func (m *Map) Index() IndexRef { return m.index }

func (m *Map) SetIndex(ref IndexRef) { m.index = ref }

// Clone returns an independent copy.
func (m *Map) Clone() *Map {
	c := &Map{
		toPos:   make(map[int64]int64, len(m.toPos)),
		toID:    make(map[int64]int64, len(m.toID)),
		tracked: m.tracked.Clone(),
		updated: m.updated,
		cursor:  m.cursor,
		index:   m.index,
	}
	for id, pos := range m.toPos {
		c.toPos[id] = pos
		c.toID[pos] = id
	}
	return c
}

type fileFormat struct {
	Version     int              `json:"version"`
	Mapping     map[string]int64 `json:"mapping"`
	TotalCount  int              `json:"total_count"`
	LastUpdated time.Time        `json:"last_updated"`
	Index       IndexRef         `json:"index"`
	Cursor      Cursor           `json:"cursor"`
}

// Save writes the map to path atomically. Key order is stable, so equal maps produce
// equal files.
func (m *Map) Save(path string) error {
	f := fileFormat{
		Version:     fileVersion,
		Mapping:     make(map[string]int64, len(m.toPos)),
		TotalCount:  len(m.toPos),
		LastUpdated: m.updated,
		Index:       m.index,
		Cursor:      m.cursor,
	}
	for id, pos := range m.toPos {
		f.Mapping[strconv.FormatInt(id, 10)] = pos
	}
	err := fsutil.WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(&f)
	})
	if err != nil {
		return fmt.Errorf("identity: save %s: %w", path, err)
	}
	return nil
}

// Load reads a map written by Save and checks that it is a bijection onto the
// positions 0..total_count-1.
func Load(path string) (*Map, error) {
	var f fileFormat
	err := fsutil.ReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&f)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("identity: load %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported version %d", f.Version)}
	}
	if f.TotalCount != len(f.Mapping) {
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("total_count %d but %d entries", f.TotalCount, len(f.Mapping))}
	}

	m := New()
	m.updated = f.LastUpdated
	m.cursor = f.Cursor
	m.index = f.Index
	for key, pos := range f.Mapping {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id < 0 {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("bad external id %q", key)}
		}
		if pos < 0 || pos >= int64(f.TotalCount) {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("position %d out of range for id %d", pos, id)}
		}
		if holder, ok := m.toID[pos]; ok {
			return nil, &FormatError{Path: path, Reason: fmt.Sprintf("position %d held by ids %d and %d", pos, holder, id)}
		}
		m.toPos[id] = pos
		m.toID[pos] = id
		m.tracked.Add(uint64(id))
	}
	return m, nil
}

func sortedKeys(pairs map[int64]int64) []int64 {
	keys := make([]int64, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
