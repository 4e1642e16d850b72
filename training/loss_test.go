package training

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func pairLossValue(t *testing.T, labels, similarities []float32) float32 {
	t.Helper()
	backend := backends.New()
	exec := NewExec(backend, func(label, similarity *Node) *Node {
		return PairLoss([]*Node{label}, []*Node{similarity})
	})
	loss := exec.Call(tensors.FromValue(labels), tensors.FromValue(similarities))[0]
	return tensors.ToScalar[float32](loss)
}

func TestPairLoss(t *testing.T) {
	// A duplicate pair at similarity 0.2 misses its target of 1 by 0.8.
	require.InDelta(t, 0.64, pairLossValue(t, []float32{1}, []float32{0.2}), 1e-5)

	// A distinct pair at similarity 0.3 is penalized quadratically.
	require.InDelta(t, 0.09, pairLossValue(t, []float32{0}, []float32{0.3}), 1e-5)

	// A distinct pair already at or below zero similarity costs nothing.
	require.InDelta(t, 0.0, pairLossValue(t, []float32{0}, []float32{-0.5}), 1e-6)

	// Batches average the per-pair errors.
	require.InDelta(t, (0.64+0.09)/2,
		pairLossValue(t, []float32{1, 0}, []float32{0.2, 0.3}), 1e-5)
}

func TestCosineSimilarity(t *testing.T) {
	backend := backends.New()
	exec := NewExec(backend, func(a, b *Node) *Node {
		return CosineSimilarity(a, b)
	})
	a := tensors.FromValue([][]float32{{1, 0}, {0.6, 0.8}})
	b := tensors.FromValue([][]float32{{1, 0}, {0.6, -0.8}})
	similarity := exec.Call(a, b)[0]
	require.Equal(t, []int{2}, similarity.Shape().Dimensions)
	var flat []float32
	tensors.ConstFlatData(similarity, func(data []float32) {
		flat = append(flat, data...)
	})
	require.InDeltaSlice(t, []float32{1, 0.36 - 0.64}, flat, 1e-5)
}
