package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMap_RecordAndLookup(t *testing.T) {
	m := New()
	if err := m.Record(map[int64]int64{10: 0, 20: 1, 30: 2}); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 3 {
		t.Errorf("Count() = %d, want 3", m.Count())
	}
	if pos, ok := m.PositionOf(20); !ok || pos != 1 {
		t.Errorf("PositionOf(20) = %d, %v", pos, ok)
	}
	if id, ok := m.IDOf(2); !ok || id != 30 {
		t.Errorf("IDOf(2) = %d, %v", id, ok)
	}
	if _, ok := m.PositionOf(99); ok {
		t.Error("PositionOf(99) found")
	}
	if _, ok := m.IDOf(3); ok {
		t.Error("IDOf(3) found")
	}
	tracked := m.TrackedIDs()
	if tracked.GetCardinality() != 3 || !tracked.Contains(10) || !tracked.Contains(30) {
		t.Errorf("TrackedIDs() = %v", tracked.ToArray())
	}
	if m.LastUpdated().IsZero() {
		t.Error("LastUpdated not set")
	}
}

func TestMap_RecordSamePairIsIdempotent(t *testing.T) {
	m := New()
	if err := m.Record(map[int64]int64{7: 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.Record(map[int64]int64{7: 3}); err != nil {
		t.Errorf("re-recording identical pair: %v", err)
	}
}

func TestMap_ConflictLeavesMappingUnchanged(t *testing.T) {
	m := New()
	if err := m.Record(map[int64]int64{7: 3}); err != nil {
		t.Fatal(err)
	}
	err := m.Record(map[int64]int64{7: 9})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if conflict.ID != 7 || conflict.Existing != 3 || conflict.Requested != 9 {
		t.Errorf("conflict = %+v", conflict)
	}
	if pos, _ := m.PositionOf(7); pos != 3 {
		t.Errorf("PositionOf(7) = %d, want 3", pos)
	}
	if _, ok := m.IDOf(9); ok {
		t.Error("position 9 recorded despite conflict")
	}
}

func TestMap_ConflictIsAllOrNothing(t *testing.T) {
	m := New()
	if err := m.Record(map[int64]int64{1: 0}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		pairs map[int64]int64
	}{
		{"position already held", map[int64]int64{2: 1, 3: 0}},
		{"batch reuses a position", map[int64]int64{2: 1, 3: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conflict *ConflictError
			if err := m.Record(tt.pairs); !errors.As(err, &conflict) {
				t.Fatalf("err = %v, want ConflictError", err)
			}
			if conflict.Existing != -1 || conflict.Holder < 0 {
				t.Errorf("conflict = %+v", conflict)
			}
			if m.Count() != 1 {
				t.Errorf("Count() = %d after failed record, want 1", m.Count())
			}
		})
	}
}

func TestMap_RejectsNegative(t *testing.T) {
	m := New()
	if err := m.Record(map[int64]int64{-1: 0}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("err = %v, want ErrInvalidID", err)
	}
	if err := m.Record(map[int64]int64{1: -5}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("err = %v, want ErrInvalidID", err)
	}
}

func TestMap_CloneIsIndependent(t *testing.T) {
	m := New()
	_ = m.Record(map[int64]int64{1: 0})
	c := m.Clone()
	if err := c.Record(map[int64]int64{2: 1}); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 || m.TrackedIDs().Contains(2) {
		t.Error("original changed by clone")
	}
	if c.Count() != 2 {
		t.Errorf("clone Count() = %d", c.Count())
	}
}

func TestMap_SaveLoadRoundTrip(t *testing.T) {
	m := New()
	pairs := map[int64]int64{}
	for i := int64(0); i < 50; i++ {
		pairs[1000+i*3] = i
	}
	if err := m.Record(pairs); err != nil {
		t.Fatal(err)
	}
	m.SetCursor(Cursor{MaxExternalID: 1147, RunID: "run-1"})
	m.SetIndex(IndexRef{Generation: 4, File: "index-000004.ivfpq", Fingerprint: "abc"})

	path := filepath.Join(t.TempDir(), "identity.json")
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Count() != 50 {
		t.Fatalf("Count() = %d", loaded.Count())
	}
	for id, pos := range pairs {
		if got, ok := loaded.PositionOf(id); !ok || got != pos {
			t.Errorf("PositionOf(%d) = %d, %v; want %d", id, got, ok, pos)
		}
		if got, ok := loaded.IDOf(pos); !ok || got != id {
			t.Errorf("IDOf(%d) = %d, %v; want %d", pos, got, ok, id)
		}
	}
	if loaded.Cursor().MaxExternalID != 1147 || loaded.Cursor().RunID != "run-1" {
		t.Errorf("Cursor() = %+v", loaded.Cursor())
	}
	if loaded.Index() != m.Index() {
		t.Errorf("Index() = %+v", loaded.Index())
	}
	if !loaded.LastUpdated().Equal(m.LastUpdated()) {
		t.Errorf("LastUpdated() = %v, want %v", loaded.LastUpdated(), m.LastUpdated())
	}

	// Saving the loaded map reproduces the file.
	again := filepath.Join(t.TempDir(), "identity.json")
	if err := loaded.Save(again); err != nil {
		t.Fatal(err)
	}
	a, _ := os.ReadFile(path)
	b, _ := os.ReadFile(again)
	if string(a) != string(b) {
		t.Error("re-saved file differs")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"count mismatch", `{"version":1,"mapping":{"1":0},"total_count":2}`},
		{"duplicate position", `{"version":1,"mapping":{"1":0,"2":0},"total_count":2}`},
		{"position out of range", `{"version":1,"mapping":{"1":5},"total_count":1}`},
		{"bad id", `{"version":1,"mapping":{"x":0},"total_count":1}`},
		{"version", `{"version":9,"mapping":{},"total_count":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "identity.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			var formatErr *FormatError
			if _, err := Load(path); !errors.As(err, &formatErr) {
				t.Errorf("err = %v, want FormatError", err)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}
