package training

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/lora"
)

// PairModel builds the twin-encoder graph function for the trainer: both
// questions of a pair run through the same encoder variables and the output
// is their cosine similarity, shaped [batch].
type PairModel struct {
	Encoder  *encoder.Config
	Adapters *lora.Config // nil trains the full model.
}

// Forward is a train.ModelFn. Inputs are the four tokenized tensors of a
// batch of pairs: ids1, mask1, ids2, mask2.
func (m *PairModel) Forward(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec
	// The encoder variables already exist, loaded from the pretrained
	// checkpoint, and both towers share every one of them.
	ctx = ctx.Checked(false)
	ids1, mask1, ids2, mask2 := inputs[0], inputs[1], inputs[2], inputs[3]
	embedding1 := encoder.SentenceEmbedding(ctx, m.Encoder, m.Adapters, ids1, mask1)
	embedding2 := encoder.SentenceEmbedding(ctx, m.Encoder, m.Adapters, ids2, mask2)
	return []*graph.Node{CosineSimilarity(embedding1, embedding2)}
}
