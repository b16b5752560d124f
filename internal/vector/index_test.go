package vector

import (
	"errors"
	"math/rand"
	"testing"
)

func randomVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.Float64())
		}
		out[i] = v
	}
	return out
}

func trainedIndex(t *testing.T, sample [][]float32) *Index {
	t.Helper()
	base, err := New(len(sample[0]), DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := base.Train(sample)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	return idx
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(0, DefaultParams()); err == nil {
		t.Error("expected error for zero dimension")
	}
	p := DefaultParams()
	p.NProbe = 0
	if _, err := New(8, p); err == nil {
		t.Error("expected error for zero nprobe")
	}
}

func TestIndex_UntrainedRejectsAddAndSearch(t *testing.T) {
	idx, err := New(4, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if idx.IsTrained() || idx.State() != Untrained {
		t.Fatalf("new index state = %v", idx.State())
	}
	if _, err := idx.Add([][]float32{{1, 2, 3, 4}}); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Add err = %v, want ErrNotTrained", err)
	}
	if _, err := idx.Search([]float32{1, 2, 3, 4}, 1); !errors.Is(err, ErrNotTrained) {
		t.Errorf("Search err = %v, want ErrNotTrained", err)
	}
}

func TestIndex_TrainInsufficientData(t *testing.T) {
	idx, _ := New(4, DefaultParams())
	_, err := idx.Train(randomVectors(1, 3, 4))
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
}

func TestIndex_TrainDimensionMismatch(t *testing.T) {
	idx, _ := New(4, DefaultParams())
	sample := randomVectors(1, 10, 4)
	sample[5] = []float32{1, 2}
	_, err := idx.Train(sample)
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) || dimErr.Expected != 4 || dimErr.Actual != 2 {
		t.Errorf("err = %v, want DimensionError{4, 2}", err)
	}
}

func TestIndex_TrainLeavesReceiverUntouched(t *testing.T) {
	sample := randomVectors(2, 100, 16)
	idx := trainedIndex(t, sample)
	if _, err := idx.Add(sample[:10]); err != nil {
		t.Fatal(err)
	}
	fp := idx.Fingerprint()

	retrained, err := idx.Train(randomVectors(3, 100, 16))
	if err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 10 || idx.Fingerprint() != fp {
		t.Errorf("receiver changed: size=%d", idx.Size())
	}
	if retrained.Size() != 0 || !retrained.IsTrained() {
		t.Errorf("retrained: size=%d trained=%v", retrained.Size(), retrained.IsTrained())
	}
	if retrained.Fingerprint() == fp {
		t.Error("fingerprint did not change after training on a different sample")
	}
}

func TestIndex_TrainDeterministic(t *testing.T) {
	sample := randomVectors(4, 300, 16)
	a := trainedIndex(t, sample)
	b := trainedIndex(t, sample)
	if a.Fingerprint() == "" || a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints %q and %q differ", a.Fingerprint(), b.Fingerprint())
	}
}

func TestIndex_AddContiguousPositions(t *testing.T) {
	sample := randomVectors(5, 100, 16)
	idx := trainedIndex(t, sample)

	first, err := idx.Add(sample[:10])
	if err != nil {
		t.Fatal(err)
	}
	second, err := idx.Add(sample[10:15])
	if err != nil {
		t.Fatal(err)
	}
	got := append(first, second...)
	for i, pos := range got {
		if pos != int64(i) {
			t.Fatalf("positions = %v, want 0..14", got)
		}
	}
	if idx.Size() != 15 {
		t.Errorf("Size() = %d, want 15", idx.Size())
	}
}

func TestIndex_AddAllOrNothing(t *testing.T) {
	sample := randomVectors(6, 100, 16)
	idx := trainedIndex(t, sample)
	batch := [][]float32{sample[0], {1, 2, 3}}
	var dimErr *DimensionError
	if _, err := idx.Add(batch); !errors.As(err, &dimErr) {
		t.Fatalf("err = %v, want DimensionError", err)
	}
	if idx.Size() != 0 {
		t.Errorf("Size() = %d after failed add, want 0", idx.Size())
	}
}

func TestIndex_SearchFindsSelf(t *testing.T) {
	sample := randomVectors(7, 100, 16)
	idx := trainedIndex(t, sample)
	if _, err := idx.Add(sample); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(sample); i += 9 {
		res, err := idx.Search(sample[i], 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 5 {
			t.Fatalf("len(results) = %d, want 5", len(res))
		}
		if res[0].Position != int64(i) {
			t.Errorf("query %d: top hit = %d", i, res[0].Position)
		}
		for j := 1; j < len(res); j++ {
			if res[j].Distance < res[j-1].Distance {
				t.Errorf("query %d: results not ordered: %v", i, res)
			}
		}
	}
}

func TestIndex_SearchTiesByPosition(t *testing.T) {
	sample := randomVectors(8, 100, 16)
	idx := trainedIndex(t, sample)
	v := sample[42]
	if _, err := idx.Add([][]float32{sample[1], v, sample[2], v, v}); err != nil {
		t.Fatal(err)
	}
	res, err := idx.Search(v, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, 3, 4}
	for i, r := range res {
		if r.Position != want[i] {
			t.Fatalf("positions = %v, want %v", res, want)
		}
	}
	if res[0].Distance != res[1].Distance || res[1].Distance != res[2].Distance {
		t.Errorf("duplicate vectors have different distances: %v", res)
	}
}

func TestIndex_SearchEdgeCases(t *testing.T) {
	sample := randomVectors(9, 100, 16)
	idx := trainedIndex(t, sample)

	res, err := idx.Search(sample[0], 5)
	if err != nil || len(res) != 0 {
		t.Errorf("empty index: res=%v err=%v", res, err)
	}
	if _, err := idx.Add(sample[:3]); err != nil {
		t.Fatal(err)
	}
	if res, _ := idx.Search(sample[0], 10); len(res) > 3 {
		t.Errorf("k above size returned %d results", len(res))
	}
	if res, _ := idx.Search(sample[0], 0); len(res) != 0 {
		t.Errorf("k=0 returned %d results", len(res))
	}
	var dimErr *DimensionError
	if _, err := idx.Search([]float32{1}, 1); !errors.As(err, &dimErr) {
		t.Errorf("err = %v, want DimensionError", err)
	}
}

func TestIndex_CloneIsolation(t *testing.T) {
	sample := randomVectors(10, 100, 16)
	idx := trainedIndex(t, sample)
	if _, err := idx.Add(sample[:20]); err != nil {
		t.Fatal(err)
	}
	before, _ := idx.Search(sample[50], 5)

	clone := idx.Clone()
	if _, err := clone.Add(sample[20:]); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 20 || clone.Size() != 100 {
		t.Fatalf("sizes: original=%d clone=%d", idx.Size(), clone.Size())
	}
	after, _ := idx.Search(sample[50], 5)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("original results changed: %v -> %v", before, after)
		}
	}
	if clone.Fingerprint() != idx.Fingerprint() {
		t.Error("clone fingerprint differs")
	}
}

func TestIndex_Reconstruct(t *testing.T) {
	sample := randomVectors(11, 100, 16)
	idx := trainedIndex(t, sample)
	if _, err := idx.Add(sample); err != nil {
		t.Fatal(err)
	}
	vecs := idx.Vectors()
	if len(vecs) != 100 {
		t.Fatalf("len(Vectors()) = %d", len(vecs))
	}
	for d, x := range vecs[17] {
		if diff := x - sample[17][d]; diff > 1e-4 || diff < -1e-4 {
			t.Fatalf("reconstructed %v, want %v", vecs[17], sample[17])
		}
	}
	if _, err := idx.Reconstruct(100); err == nil {
		t.Error("expected out of range error")
	}
}

func TestIndex_ScaledParameters(t *testing.T) {
	idx := trainedIndex(t, randomVectors(12, 100, 16))
	if idx.NList() != 4 || idx.Subquantizers() != 1 {
		t.Errorf("nlist=%d m=%d, want 4 and 1", idx.NList(), idx.Subquantizers())
	}
	if len(idx.ListSizes()) != 4 {
		t.Errorf("ListSizes() = %v", idx.ListSizes())
	}
	if idx.Params() != DefaultParams() {
		t.Errorf("Params() = %+v", idx.Params())
	}
}
