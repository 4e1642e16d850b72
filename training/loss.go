package training

import (
	. "github.com/gomlx/gomlx/graph"
)

// CosineSimilarity of two batches of embeddings, shaped [batch, dim]. The
// encoder already normalizes its outputs to unit length, so the dot product
// is the cosine.
func CosineSimilarity(a, b *Node) *Node {
	return ReduceSum(Mul(a, b), -1)
}

// PairLoss is the contrastive objective over predicted similarities: a
// duplicate pair is pushed towards similarity 1 and a distinct pair is pushed
// down to 0 or below, with no reward for going negative. Returns the mean of
// the squared per-pair errors.
//
// For a label ℓ in {0, 1} and similarity s the per-pair error is
// ℓ·(1−s) + max(0, (1−ℓ)·s).
func PairLoss(labels []*Node, predictions []*Node) *Node {
	label := labels[0]
	similarity := predictions[0]
	g := similarity.Graph()
	one := ScalarOne(g, similarity.DType())
	zero := ScalarZero(g, similarity.DType())
	positive := Mul(label, Sub(one, similarity))
	negative := Max(zero, Mul(Sub(one, label), similarity))
	return ReduceAllMean(Square(Add(positive, negative)))
}
