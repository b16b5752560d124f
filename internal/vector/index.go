// Package vector implements an inverted-file index with residual product quantization
// (IVF-PQ) for approximate nearest-neighbor search over fixed-dimension vectors.
package vector

import (
	"container/heap"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/hyperjump/ivfsync/pkg/utils"
)

const (
	minLists           = 4
	minPointsPerList   = 40
	maxCodebookSize    = 256
	fullPQTrainingSize = 1024
)

// Params are the requested index parameters. Training may scale NList and M down
// for small samples; the effective values are reported by NList and Subquantizers.
type Params struct {
	NList      int   `json:"nlist" yaml:"nlist"`
	M          int   `json:"m" yaml:"m"`
	NProbe     int   `json:"nprobe" yaml:"nprobe"`
	Iterations int   `json:"kmeans_iterations" yaml:"kmeans_iterations"`
	Seed       int64 `json:"seed" yaml:"seed"`
}

// DefaultParams returns nlist=100, m=8, nprobe=8 with 20 k-means iterations and seed 1.
func DefaultParams() Params {
	return Params{NList: 100, M: 8, NProbe: 8, Iterations: 20, Seed: 1}
}

// Validate reports parameters that can never produce a usable index.
func (p Params) Validate() error {
	switch {
	case p.NList < 1:
		return fmt.Errorf("vector: nlist must be positive, got %d", p.NList)
	case p.M < 1:
		return fmt.Errorf("vector: m must be positive, got %d", p.M)
	case p.NProbe < 1:
		return fmt.Errorf("vector: nprobe must be positive, got %d", p.NProbe)
	case p.Iterations < 1:
		return fmt.Errorf("vector: kmeans iterations must be positive, got %d", p.Iterations)
	}
	return nil
}

// State tags whether an index can accept vectors.
type State uint8

const (
	Untrained State = iota
	Trained
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case Trained:
		return "trained"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Result is one search hit. Distance is the squared L2 distance between the query and
// the quantized vector, so smaller is closer.
type Result struct {
	Position int64   `json:"position"`
	Distance float32 `json:"distance"`
}

type invertedList struct {
	positions []int64
	codes     []byte // len(positions) * m
}

type location struct {
	list   int32
	offset int32
}

// Index is an IVF-PQ index. Search may run concurrently with other searches; Add
// mutates the index and must not run concurrently with anything. Callers that need
// readers during writes Clone, Add to the clone, and swap.
type Index struct {
	dim    int
	params Params
	state  State

	nlist     int
	centroids []float32 // nlist * dim
	pq        *productQuantizer

	lists []invertedList
	locs  []location // by position
}

// New returns an untrained index for vectors of dimension dim.
func New(dim int, params Params) (*Index, error) {
	if dim < 1 {
		return nil, fmt.Errorf("vector: dimension must be positive, got %d", dim)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Index{dim: dim, params: params, state: Untrained}, nil
}

// Train clusters sample into partitions and learns the residual codebooks. It returns a
// new, empty, trained index and leaves the receiver untouched, so retraining never
// mutates an index that readers may hold.
func (idx *Index) Train(sample [][]float32) (*Index, error) {
	for _, v := range sample {
		if len(v) != idx.dim {
			return nil, &DimensionError{Expected: idx.dim, Actual: len(v)}
		}
	}
	nlist, m, ksub, err := planTraining(idx.dim, len(sample), idx.params)
	if err != nil {
		return nil, err
	}

	dim := idx.dim
	flat := make([]float32, len(sample)*dim)
	for i, v := range sample {
		copy(flat[i*dim:(i+1)*dim], v)
	}

	rng := rand.New(rand.NewSource(idx.params.Seed))
	centroids := trainKMeans(flat, dim, nlist, idx.params.Iterations, rng)

	residuals := make([]float32, len(flat))
	for i := range sample {
		v := flat[i*dim : (i+1)*dim]
		c, _ := nearestCentroid(v, centroids, dim)
		utils.Sub(residuals[i*dim:(i+1)*dim], v, centroids[c*dim:(c+1)*dim])
	}
	pq := trainPQ(residuals, dim, m, ksub, idx.params.Iterations, idx.params.Seed)

	return &Index{
		dim:       dim,
		params:    idx.params,
		state:     Trained,
		nlist:     nlist,
		centroids: centroids,
		pq:        pq,
		lists:     make([]invertedList, nlist),
	}, nil
}

// Add appends vectors and returns their positions, contiguous from the pre-call size.
// Either every vector is added or none is.
func (idx *Index) Add(vectors [][]float32) ([]int64, error) {
	if idx.state != Trained {
		return nil, ErrNotTrained
	}
	for _, v := range vectors {
		if len(v) != idx.dim {
			return nil, &DimensionError{Expected: idx.dim, Actual: len(v)}
		}
	}

	positions := make([]int64, len(vectors))
	residual := make([]float32, idx.dim)
	code := make([]byte, idx.pq.m)
	for i, v := range vectors {
		c, _ := nearestCentroid(v, idx.centroids, idx.dim)
		utils.Sub(residual, v, idx.centroid(c))
		idx.pq.encode(residual, code)

		pos := int64(len(idx.locs))
		list := &idx.lists[c]
		idx.locs = append(idx.locs, location{list: int32(c), offset: int32(len(list.positions))})
		list.positions = append(list.positions, pos)
		list.codes = append(list.codes, code...)
		positions[i] = pos
	}
	return positions, nil
}

// Search returns up to k approximate nearest neighbors of query, probing the NProbe
// partitions closest to it. Results are ordered by distance, ties by ascending position.
func (idx *Index) Search(query []float32, k int) ([]Result, error) {
	if idx.state != Trained {
		return nil, ErrNotTrained
	}
	if len(query) != idx.dim {
		return nil, &DimensionError{Expected: idx.dim, Actual: len(query)}
	}
	if k <= 0 || len(idx.locs) == 0 {
		return []Result{}, nil
	}

	m := idx.pq.m
	residual := make([]float32, idx.dim)
	table := make([]float32, m*idx.pq.ksub)
	top := make(resultHeap, 0, min(k, len(idx.locs)))

	for _, c := range closestCentroids(query, idx.centroids, idx.dim, idx.params.NProbe) {
		list := &idx.lists[c]
		if len(list.positions) == 0 {
			continue
		}
		utils.Sub(residual, query, idx.centroid(c))
		idx.pq.distanceTable(residual, table)
		for i, pos := range list.positions {
			r := Result{Position: pos, Distance: idx.pq.asymmetricDistance(table, list.codes[i*m:(i+1)*m])}
			if len(top) < k {
				heap.Push(&top, r)
			} else if worse(top[0], r) {
				top[0] = r
				heap.Fix(&top, 0)
			}
		}
	}

	out := []Result(top)
	slices.SortFunc(out, func(a, b Result) int {
		if worse(a, b) {
			return 1
		}
		if worse(b, a) {
			return -1
		}
		return 0
	})
	return out, nil
}

// Reconstruct returns the decoded approximation of the vector stored at pos.
func (idx *Index) Reconstruct(pos int64) ([]float32, error) {
	if pos < 0 || pos >= int64(len(idx.locs)) {
		return nil, fmt.Errorf("vector: position %d out of range [0,%d)", pos, len(idx.locs))
	}
	loc := idx.locs[pos]
	m := idx.pq.m
	code := idx.lists[loc.list].codes[int(loc.offset)*m : int(loc.offset+1)*m]
	out := make([]float32, idx.dim)
	idx.pq.decode(code, out)
	c := idx.centroid(int(loc.list))
	for d := range out {
		out[d] += c[d]
	}
	return out, nil
}

// Vectors reconstructs every stored vector in position order.
func (idx *Index) Vectors() [][]float32 {
	out := make([][]float32, len(idx.locs))
	for pos := range idx.locs {
		out[pos], _ = idx.Reconstruct(int64(pos))
	}
	return out
}

// Clone returns an index that shares the trained clustering and codebooks but owns its
// inverted lists, so adding to the clone is invisible to the original.
func (idx *Index) Clone() *Index {
	c := *idx
	c.locs = slices.Clone(idx.locs)
	if idx.lists != nil {
		c.lists = make([]invertedList, len(idx.lists))
		for i, l := range idx.lists {
			c.lists[i] = invertedList{positions: slices.Clone(l.positions), codes: slices.Clone(l.codes)}
		}
	}
	return &c
}

// Fingerprint is a hex SHA-256 over the trained centroids and codebooks. It changes
// whenever the index is retrained and is empty for an untrained index.
func (idx *Index) Fingerprint() string {
	if idx.state != Trained {
		return ""
	}
	h := sha256.New()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(idx.dim))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(idx.nlist))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(idx.pq.m))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(idx.pq.ksub))
	h.Write(hdr[:])
	var b [4]byte
	for _, f := range idx.centroids {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		h.Write(b[:])
	}
	for _, f := range idx.pq.codebooks {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Size returns the number of stored vectors.
func (idx *Index) Size() int { return len(idx.locs) }

// IsTrained reports whether the index accepts vectors.
func (idx *Index) IsTrained() bool { return idx.state == Trained }

func (idx *Index) State() State { return idx.state }

func (idx *Index) Dimensions() int { return idx.dim }

// Params returns the requested parameters.
func (idx *Index) Params() Params { return idx.params }

// NList returns the effective number of partitions, 0 when untrained.
func (idx *Index) NList() int { return idx.nlist }

// Subquantizers returns the effective number of PQ subquantizers, 0 when untrained.
func (idx *Index) Subquantizers() int {
	if idx.pq == nil {
		return 0
	}
	return idx.pq.m
}

// ListSizes returns the number of vectors in each partition.
func (idx *Index) ListSizes() []int {
	out := make([]int, len(idx.lists))
	for i, l := range idx.lists {
		out[i] = len(l.positions)
	}
	return out
}

func (idx *Index) centroid(c int) []float32 {
	return idx.centroids[c*idx.dim : (c+1)*idx.dim]
}

// worse reports whether a ranks after b.
func worse(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Position > b.Position
}

// resultHeap keeps the worst retained result at the root.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
