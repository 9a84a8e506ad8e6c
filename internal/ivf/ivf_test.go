package ivf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/types"
)

func clusteredSamples() [][]float32 {
	var out [][]float32
	for i := 0; i < 20; i++ {
		out = append(out, []float32{float32(i%3) * 10, 0, 0})
	}
	return out
}

func TestTrainProducesRequestedCentroids(t *testing.T) {
	samples := clusteredSamples()
	model, err := Train(samples, TrainParams{NList: 3, MaxIters: 20, Tolerance: 1e-6, Metric: types.MetricL2, Seed: 1})
	require.NoError(t, err)
	require.Len(t, model.Centroids, 3)
}

func TestAssignReturnsClosestCentroid(t *testing.T) {
	model := Model{Dim: 2, Metric: types.MetricL2, Centroids: [][]float32{{0, 0}, {10, 10}}}
	id, dist := model.Assign([]float32{9, 9})
	require.Equal(t, 1, id)
	require.Greater(t, dist, 0.0)
}

func TestProbeOrdersByDistanceThenListID(t *testing.T) {
	model := Model{Dim: 1, Metric: types.MetricL2, Centroids: [][]float32{{5}, {1}, {1}}}
	order := model.Probe([]float32{0}, 3)
	require.Equal(t, []int{1, 2, 0}, order)
}

func TestNProbeForRecallClamps(t *testing.T) {
	require.Equal(t, 1, NProbeForRecall(0, 100))
	require.Equal(t, 100, NProbeForRecall(2, 100))
	require.Equal(t, 10, NProbeForRecall(0.1, 100))
}
