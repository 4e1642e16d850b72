// Package embedder runs a trained sentence encoder for inference: it embeds
// texts into vectors and scores the similarity of text pairs.
package embedder

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/lora"
	"github.com/grofte/LoRA-E5/questions"
)

// Vocabulary tokenizes one text into fixed-length ids and attention mask.
// *sentencepiece.Processor implements it.
type Vocabulary interface {
	EncodePadded(text string, maxLen int) (ids, mask []int32)
}

// Embedder holds a compiled embedding executor over the encoder variables.
type Embedder struct {
	vocab    Vocabulary
	maxLen   int
	embedder *context.Exec
}

// New compiles the embedding function. adapters may be nil to run the base
// model without low-rank deltas.
func New(backend backends.Backend, ctx *context.Context, config *encoder.Config,
	adapters *lora.Config, vocab Vocabulary, maxLen int) *Embedder {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		// The encoder variables already exist, loaded from a checkpoint.
		return encoder.SentenceEmbedding(ctx.Checked(false), config, adapters, inputs[0], inputs[1])
	})
	return &Embedder{vocab: vocab, maxLen: maxLen, embedder: exec}
}

// Embed returns one embedding vector per text, as rows of a
// [len(texts), embedDim] matrix. Texts get the query marker prefix the model
// was trained with.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}
	ids, mask := e.tensorize(texts)
	var embeddings *tensors.Tensor
	if err := exceptions.TryCatch[error](func() {
		embeddings = e.embedder.Call(ids, mask)[0]
	}); err != nil {
		return nil, errors.Wrap(err, "running the embedding graph")
	}

	embedDim := embeddings.Shape().Dim(1)
	vectors := make([][]float32, len(texts))
	tensors.ConstFlatData(embeddings, func(flat []float32) {
		for ii := range vectors {
			vectors[ii] = append([]float32(nil), flat[ii*embedDim:(ii+1)*embedDim]...)
		}
	})
	return vectors, nil
}

// Similarity returns the cosine similarity of the two texts, in [-1, 1] for a
// normalizing encoder.
func (e *Embedder) Similarity(text1, text2 string) (float32, error) {
	vectors, err := e.Embed([]string{text1, text2})
	if err != nil {
		return 0, err
	}
	var dot float32
	for ii := range vectors[0] {
		dot += vectors[0][ii] * vectors[1][ii]
	}
	return dot, nil
}

// tensorize builds the int32 [batchSize, maxLen] ids and mask tensors.
func (e *Embedder) tensorize(texts []string) (ids, mask *tensors.Tensor) {
	batchSize := len(texts)
	flatIds := make([]int32, 0, batchSize*e.maxLen)
	flatMask := make([]int32, 0, batchSize*e.maxLen)
	for _, text := range texts {
		textIds, textMask := e.vocab.EncodePadded(questions.QueryPrefix+text, e.maxLen)
		flatIds = append(flatIds, textIds...)
		flatMask = append(flatMask, textMask...)
	}
	ids = tensors.FromFlatDataAndDimensions(flatIds, batchSize, e.maxLen)
	mask = tensors.FromFlatDataAndDimensions(flatMask, batchSize, e.maxLen)
	return
}
