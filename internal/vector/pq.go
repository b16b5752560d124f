package vector

import (
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/ivfsync/pkg/utils"
)

// productQuantizer splits a vector into m sub-vectors of dsub dimensions and encodes
// each as the index of its nearest centroid among ksub (<= 256), one byte per sub-vector.
type productQuantizer struct {
	m         int
	ksub      int
	dsub      int
	codebooks []float32 // m * ksub * dsub
}

// trainPQ learns one codebook per subspace from the n row-major vectors in data.
// Subspaces train in parallel; each has its own seeded source so the result does not
// depend on scheduling.
func trainPQ(data []float32, dim, m, ksub, iters int, seed int64) *productQuantizer {
	dsub := dim / m
	n := len(data) / dim
	pq := &productQuantizer{
		m:         m,
		ksub:      ksub,
		dsub:      dsub,
		codebooks: make([]float32, m*ksub*dsub),
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for sub := 0; sub < m; sub++ {
		sub := sub
		g.Go(func() error {
			start := sub * dsub
			subData := make([]float32, n*dsub)
			for i := 0; i < n; i++ {
				copy(subData[i*dsub:(i+1)*dsub], data[i*dim+start:i*dim+start+dsub])
			}
			rng := rand.New(rand.NewSource(seed + int64(sub) + 1))
			centroids := trainKMeans(subData, dsub, ksub, iters, rng)
			copy(pq.codebooks[sub*ksub*dsub:(sub+1)*ksub*dsub], centroids)
			return nil
		})
	}
	_ = g.Wait()
	return pq
}

func (pq *productQuantizer) codebook(sub int) []float32 {
	return pq.codebooks[sub*pq.ksub*pq.dsub : (sub+1)*pq.ksub*pq.dsub]
}

// encode writes the m-byte code of vec into dst.
func (pq *productQuantizer) encode(vec []float32, dst []byte) {
	for sub := 0; sub < pq.m; sub++ {
		start := sub * pq.dsub
		best, _ := nearestCentroid(vec[start:start+pq.dsub], pq.codebook(sub), pq.dsub)
		dst[sub] = byte(best)
	}
}

// decode reconstructs the approximate vector for code into dst.
func (pq *productQuantizer) decode(code []byte, dst []float32) {
	for sub := 0; sub < pq.m; sub++ {
		c := int(code[sub])
		cb := pq.codebook(sub)
		copy(dst[sub*pq.dsub:(sub+1)*pq.dsub], cb[c*pq.dsub:(c+1)*pq.dsub])
	}
}

// distanceTable fills table (m * ksub) with the squared distance between each query
// sub-vector and every centroid of its subspace.
func (pq *productQuantizer) distanceTable(query []float32, table []float32) {
	for sub := 0; sub < pq.m; sub++ {
		q := query[sub*pq.dsub : (sub+1)*pq.dsub]
		cb := pq.codebook(sub)
		row := table[sub*pq.ksub : (sub+1)*pq.ksub]
		for c := 0; c < pq.ksub; c++ {
			row[c] = utils.SquaredL2(q, cb[c*pq.dsub:(c+1)*pq.dsub])
		}
	}
}

// asymmetricDistance sums the table entries selected by code.
func (pq *productQuantizer) asymmetricDistance(table []float32, code []byte) float32 {
	var d float32
	for sub := 0; sub < pq.m; sub++ {
		d += table[sub*pq.ksub+int(code[sub])]
	}
	return d
}

// planTraining derives the partition count, subquantizer count and per-subspace centroid
// count actually used for a sample of n vectors.
//
// Small samples scale the requested parameters down instead of failing:
// nlist = min(requested, n/minPointsPerList) with a floor of minLists, ksub = min(256, n),
// and m shrinks in proportion to n/fullPQTrainingSize, rounded down to a divisor of dim.
// This trades search quality for availability on small corpora; it is not a tuning formula.
func planTraining(dim, n int, p Params) (nlist, m, ksub int, err error) {
	if n < minLists {
		return 0, 0, 0, &InsufficientDataError{Have: n, Need: minLists}
	}
	nlist = p.NList
	if scaled := n / minPointsPerList; scaled < nlist {
		nlist = scaled
	}
	if nlist < minLists {
		nlist = minLists
	}

	ksub = maxCodebookSize
	if n < ksub {
		ksub = n
	}

	m = p.M
	if m > dim {
		m = dim
	}
	if n < fullPQTrainingSize {
		m = int(math.Max(1, math.Floor(float64(m)*float64(n)/float64(fullPQTrainingSize))))
	}
	m = largestDivisorAtMost(dim, m)
	return nlist, m, ksub, nil
}

func largestDivisorAtMost(dim, m int) int {
	for d := m; d > 1; d-- {
		if dim%d == 0 {
			return d
		}
	}
	return 1
}
