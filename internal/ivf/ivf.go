// Package ivf implements the IVF trainer/assignor: k-means++ seeding,
// Lloyd iterations, nearest-centroid assignment, and probe ordering, per
// spec.md §4.4.
package ivf

import (
	"math"
	"math/rand"
	"sort"

	"github.com/elax-db/elax/internal/errs"
	"github.com/elax-db/elax/internal/numeric"
	"github.com/elax-db/elax/internal/types"
)

// TrainParams configures one training run.
type TrainParams struct {
	NList     int
	MaxIters  int
	Tolerance float64
	Metric    types.Metric
	Seed      int64
}

// Model is a trained set of centroids ready for assignment and probing.
type Model struct {
	Dim       int
	Centroids [][]float32
	Metric    types.Metric
}

// Train runs k-means++ seeding followed by Lloyd iterations over samples,
// stopping at the first iteration with no assignment change or a maximum
// centroid shift (L2) at or below params.Tolerance.
func Train(samples [][]float32, params TrainParams) (Model, error) {
	if len(samples) == 0 {
		return Model{}, errs.New(errs.Validation, "cannot train IVF model with zero samples")
	}
	dim := len(samples[0])
	nlist := params.NList
	if nlist > len(samples) {
		nlist = len(samples)
	}
	if nlist < 1 {
		nlist = 1
	}

	rng := rand.New(rand.NewSource(params.Seed))
	centroids := seedPlusPlus(samples, nlist, rng, params.Metric)

	maxIters := params.MaxIters
	if maxIters <= 0 {
		maxIters = 25
	}

	assignments := make([]int, len(samples))
	for it := 0; it < maxIters; it++ {
		changed := false
		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}

		for si, s := range samples {
			best, _ := nearest(s, centroids, params.Metric)
			if assignments[si] != best {
				assignments[si] = best
				changed = true
			}
			counts[best]++
			for d := 0; d < dim; d++ {
				sums[best][d] += float64(s[d])
			}
		}

		// Re-seed dead lists by resampling from the training set, per
		// spec.md §4.4.
		for l := 0; l < nlist; l++ {
			if counts[l] == 0 {
				pick := samples[rng.Intn(len(samples))]
				centroids[l] = append([]float32{}, pick...)
			}
		}

		maxShift := 0.0
		for l := 0; l < nlist; l++ {
			if counts[l] == 0 {
				continue
			}
			next := make([]float32, dim)
			for d := 0; d < dim; d++ {
				next[d] = float32(sums[l][d] / float64(counts[l]))
			}
			if params.Metric == types.MetricCosine {
				normalize(next)
			}
			maxShift = math.Max(maxShift, l2Distance(centroids[l], next))
			centroids[l] = next
		}

		if !changed || maxShift <= params.Tolerance {
			break
		}
	}

	return Model{Dim: dim, Centroids: centroids, Metric: params.Metric}, nil
}

func seedPlusPlus(samples [][]float32, k int, rng *rand.Rand, metric types.Metric) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := append([]float32{}, samples[rng.Intn(len(samples))]...)
	centroids = append(centroids, first)

	dist := make([]float64, len(samples))
	for len(centroids) < k {
		var total float64
		for i, s := range samples {
			_, d := nearest(s, centroids, metric)
			dist[i] = d * d
			total += dist[i]
		}
		if total == 0 {
			// All remaining samples coincide with existing centroids;
			// pick arbitrarily to fill out the requested list count.
			centroids = append(centroids, append([]float32{}, samples[rng.Intn(len(samples))]...))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		chosen := len(samples) - 1
		for i, d := range dist {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, append([]float32{}, samples[chosen]...))
	}
	if metric == types.MetricCosine {
		for _, c := range centroids {
			normalize(c)
		}
	}
	return centroids
}

// Assign returns the closest centroid's list id and its distance.
func (m Model) Assign(v []float32) (listID int, distance float64) {
	return nearest(v, m.Centroids, m.Metric)
}

// probeEntry pairs a list id with its distance to the query, for sorting.
type probeEntry struct {
	listID   int
	distance float64
}

// Probe returns the nprobe closest centroids to q, sorted ascending by
// distance, ties broken by lower list_id, per spec.md §4.4.
func (m Model) Probe(q []float32, nprobe int) []int {
	if nprobe > len(m.Centroids) {
		nprobe = len(m.Centroids)
	}
	entries := make([]probeEntry, len(m.Centroids))
	for i, c := range m.Centroids {
		entries[i] = probeEntry{listID: i, distance: distanceOf(q, c, m.Metric)}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].distance != entries[j].distance {
			return entries[i].distance < entries[j].distance
		}
		return entries[i].listID < entries[j].listID
	})
	out := make([]int, nprobe)
	for i := 0; i < nprobe; i++ {
		out[i] = entries[i].listID
	}
	return out
}

// NProbeForRecall implements nprobe_for_recall(r, nlist) =
// clamp(ceil(r*nlist), 1, nlist), per spec.md §4.4.
func NProbeForRecall(r float64, nlist int) int {
	return numeric.ClampInt(int(math.Ceil(r*float64(nlist))), 1, nlist)
}

func nearest(v []float32, centroids [][]float32, metric types.Metric) (int, float64) {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range centroids {
		d := distanceOf(v, c, metric)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best, bestDist
}

func distanceOf(a, b []float32, metric types.Metric) float64 {
	if metric == types.MetricCosine {
		return 1 - cosineSimilarity(a, b)
	}
	return l2Distance(a, b)
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
