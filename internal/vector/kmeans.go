package vector

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hyperjump/ivfsync/pkg/utils"
)

// trainKMeans runs Lloyd's algorithm over the n = len(data)/dim row-major points and
// returns k flattened centroids. Callers guarantee n >= k.
func trainKMeans(data []float32, dim, k, maxIter int, rng *rand.Rand) []float32 {
	n := len(data) / dim
	centroids := make([]float32, k*dim)

	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], data[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i := 0; i < n; i++ {
			best, _ := nearestCentroid(data[i*dim:(i+1)*dim], centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := data[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				// Empty cluster: reseed from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], data[idx*dim:(idx+1)*dim])
				continue
			}
			scale := 1 / float32(counts[j])
			for d := 0; d < dim; d++ {
				centroids[j*dim+d] = sums[j*dim+d] * scale
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid and its squared distance.
// Ties go to the lower index.
func nearestCentroid(vec, centroids []float32, dim int) (int, float32) {
	k := len(centroids) / dim
	best := 0
	bestDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := utils.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best, bestDist
}

type centroidDist struct {
	id   int
	dist float32
}

// closestCentroids returns the indices of the n centroids nearest to query, nearest first.
func closestCentroids(query, centroids []float32, dim, n int) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}
	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		dists[i] = centroidDist{id: i, dist: utils.SquaredL2(query, centroids[i*dim:(i+1)*dim])}
	}
	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = dists[i].id
	}
	return out
}
