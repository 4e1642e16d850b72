package encoder

import (
	. "github.com/gomlx/gomlx/graph"
)

const (
	// maskSumFloor avoids division by zero for sequences whose mask is all
	// zeros.
	maskSumFloor = 1e-9

	// normFloor avoids division by zero when normalizing a zero vector.
	normFloor = 1e-12
)

// MeanPooling collapses the per-token embeddings, shaped
// [batchSize, seqLen, embedDim], into one vector per example: the sum of the
// token vectors weighted by the attention mask, divided by the mask sum
// clamped to a small positive floor.
func MeanPooling(tokenEmbeddings, mask *Node) *Node {
	maskF := ConvertDType(mask, tokenEmbeddings.DType())
	maskF = ExpandDims(maskF, -1) // [batchSize, seqLen, 1]
	summed := ReduceSum(Mul(tokenEmbeddings, maskF), 1)
	counts := MaxScalar(ReduceSum(maskF, 1), maskSumFloor)
	return Div(summed, counts)
}

// NormalizeUnit L2-normalizes each row of x along the feature (last) axis.
func NormalizeUnit(x *Node) *Node {
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, -1))
	return Div(x, MaxScalar(norm, normFloor))
}
