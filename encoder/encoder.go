// Package encoder implements the E5 family of sentence-embedding models
// (XLM-RoBERTa style transformer encoders) on GoMLX, with optional low-rank
// adapters on the attention projections.
package encoder

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/grofte/LoRA-E5/lora"
)

// SentenceEmbedding builds the graph that encodes a tokenized batch into one
// embedding vector per example: full transformer forward, mean pooling over
// the attention mask and, if config.Normalize, L2 normalization.
//
// ids and mask are int32, shaped [batchSize, seqLen]. The result is shaped
// [batchSize, config.EmbedDim]. adapters may be nil, in which case the plain
// frozen projections are used.
func SentenceEmbedding(ctx *context.Context, config *Config, adapters *lora.Config, ids, mask *Node) *Node {
	mctx := ctx.In("model")
	x := EmbedTokens(mctx, config, ids, mask)
	for layerIdx := range config.NumLayers {
		x = EncoderLayer(mctx.In(fmt.Sprintf("layer_%d", layerIdx)), config, adapters, x, mask)
	}
	embeddings := MeanPooling(x, mask)
	if config.Normalize {
		embeddings = NormalizeUnit(embeddings)
	}
	return embeddings
}

// EmbedTokens sums word, position and token-type embeddings and applies the
// embedding layer norm.
func EmbedTokens(ctx *context.Context, config *Config, ids, mask *Node) *Node {
	ectx := ctx.In("embeddings")
	g := ids.Graph()

	wordTable := ectx.VariableWithShape("word_embeddings",
		shapes.Make(config.DType, config.VocabSize, config.EmbedDim)).ValueGraph(g)
	positionTable := ectx.VariableWithShape("position_embeddings",
		shapes.Make(config.DType, config.MaxPositions, config.EmbedDim)).ValueGraph(g)
	typeTable := ectx.VariableWithShape("token_type_embeddings",
		shapes.Make(config.DType, 1, config.EmbedDim)).ValueGraph(g)

	words := Gather(wordTable, ExpandDims(ids, -1))
	positions := Gather(positionTable, ExpandDims(BuildPositionsFromMask(mask, config.PositionOffset), -1))
	// Only one token type: every position takes row 0 of the type table.
	types := Gather(typeTable, ExpandDims(ZerosLike(ids), -1))

	x := Add(Add(words, positions), types)
	return layerNorm(ectx.In("norm"), config, x)
}

// BuildPositionsFromMask computes position ids for RoBERTa-style position
// embeddings, where mask is 1 for non-padded tokens.
//
// Positions are cumulative over real tokens, offset so the first real token
// gets id `offset` and every padded position gets id `offset-1` (the reserved
// padding row of the position table).
//
// Example (offset=2):
//
//	BuildPositionsFromMask([[1, 1, 0, 0],
//	                        [1, 1, 1, 0]])
//	> [2, 3, 1, 1], [2, 3, 4, 1]
func BuildPositionsFromMask(mask *Node, offset int) *Node {
	positions := CumSum(mask, -1)
	positions = Mul(positions, mask)
	return AddScalar(positions, float64(offset-1))
}

// EncoderLayer is one transformer block: self-attention and feed-forward,
// both with residual connection and post-layer norm.
func EncoderLayer(ctx *context.Context, config *Config, adapters *lora.Config, x, mask *Node) *Node {
	attnCtx := ctx.In("attn")
	attnOut := Attention(attnCtx, config, adapters, x, mask)
	attnOut = denseProjection(attnCtx.In("output"), nil, "dense", attnOut, config.EmbedDim)
	x = layerNorm(attnCtx.In("output").In("norm"), config, Add(x, attnOut))

	ffnCtx := ctx.In("ffn")
	hidden := denseProjection(ffnCtx, nil, "intermediate", x, config.IntermediateDim)
	hidden = activations.Gelu(hidden)
	ffnOut := denseProjection(ffnCtx, nil, "output", hidden, config.EmbedDim)
	return layerNorm(ffnCtx.In("norm"), config, Add(x, ffnOut))
}

// Attention computes multi-head self-attention over x, masking out padded key
// positions. The query/key/value projections are the adapter targets.
func Attention(ctx *context.Context, config *Config, adapters *lora.Config, x, mask *Node) *Node {
	batchSize := x.Shape().Dim(0)
	seqLen := x.Shape().Dim(1)

	// B = batchSize
	// T, S = sequenceLength (queries, keys)
	// N = config.NumHeads
	// H = config.HeadDim
	query := denseProjection(ctx, adapters, "query", x, config.EmbedDim)
	key := denseProjection(ctx, adapters, "key", x, config.EmbedDim)
	value := denseProjection(ctx, adapters, "value", x, config.EmbedDim)

	query = Reshape(query, batchSize, seqLen, config.NumHeads, config.HeadDim)
	key = Reshape(key, batchSize, seqLen, config.NumHeads, config.HeadDim)
	value = Reshape(value, batchSize, seqLen, config.NumHeads, config.HeadDim)

	scores := Einsum("BTNH,BSNH->BNTS", query, key)
	scores = MulScalar(scores, 1.0/math.Sqrt(float64(config.HeadDim)))

	// Push masked-out key positions to -inf before the softmax.
	keyMask := ConvertDType(mask, scores.DType())
	keyMask = ExpandDims(ExpandDims(keyMask, 1), 1) // [B, 1, 1, S]
	scores = Sub(scores, MulScalar(OneMinus(keyMask), 1e9))

	probabilities := Softmax(scores, -1)
	attended := Einsum("BNTS,BSNH->BTNH", probabilities, value)
	return Reshape(attended, batchSize, seqLen, config.EmbedDim)
}

// denseProjection applies a dense layer with the HuggingFace [out, in] kernel
// layout, injecting a low-rank adapter when the projection is targeted.
func denseProjection(ctx *context.Context, adapters *lora.Config, name string, x *Node, dimOut int) *Node {
	pctx := ctx.In(name)
	g := x.Graph()
	dimIn := x.Shape().Dim(-1)

	wVar := pctx.VariableWithShape("w", shapes.Make(x.DType(), dimOut, dimIn))
	bVar := pctx.WithInitializer(initializers.Zero).
		VariableWithShape("b", shapes.Make(x.DType(), dimOut))

	y := Einsum("bti,oi->bto", x, wVar.ValueGraph(g))
	y = Add(y, ExpandLeftToRank(bVar.ValueGraph(g), y.Rank()))
	if adapters != nil && adapters.Wants(name) {
		y = Add(y, adapters.Delta(pctx, x, dimOut))
	}
	return y
}

// layerNorm normalizes to zero mean and unit variance on the feature axis and
// applies the learned scale and offset.
func layerNorm(ctx *context.Context, config *Config, x *Node) *Node {
	g := x.Graph()
	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, config.LayerNormEpsilon)))

	featureDim := x.Shape().Dim(-1)
	scaleVar := ctx.VariableWithShape("scale", shapes.Make(x.DType(), featureDim))
	offsetVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(x.DType(), featureDim))
	scale := ExpandLeftToRank(scaleVar.ValueGraph(g), x.Rank())
	offset := ExpandLeftToRank(offsetVar.ValueGraph(g), x.Rank())
	return Add(Mul(normalized, scale), offset)
}
