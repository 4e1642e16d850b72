package encoder

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

type E5Type int

const (
	UnknownE5Type E5Type = iota
	E5Small
	E5Base
	E5Large
)

//go:generate enumer -type=E5Type -transform=snake -values -text -json -yaml config.go

// embedDimToE5Type maps the hidden dimension of the loaded weights to the
// model class. The layer count alone is ambiguous (small and base both have
// 12 layers).
var embedDimToE5Type = map[int]E5Type{
	384:  E5Small,
	768:  E5Base,
	1024: E5Large,
}

// Config of the E5 encoder model.
type Config struct {
	Type      E5Type
	DType     dtypes.DType
	NumLayers int

	VocabSize, EmbedDim int
	NumHeads, HeadDim   int
	IntermediateDim     int
	MaxPositions        int

	// PositionOffset is added to every position id. The XLM-R position table
	// reserves its first two rows for padding, so real positions start at 2.
	PositionOffset int

	LayerNormEpsilon float64

	// Normalize enables L2 normalization of the pooled sentence embedding.
	Normalize bool
}

// NewConfigFromContext creates an encoder config based on the structure of the
// weights previously loaded into ctx under the "model" scope.
func NewConfigFromContext(ctx *context.Context) (*Config, error) {
	c := &Config{
		PositionOffset:   2,
		LayerNormEpsilon: 1e-5,
		Normalize:        true,
	}

	wordEmbeddings := ctx.InspectVariable("/model/embeddings", "word_embeddings")
	if wordEmbeddings == nil {
		return nil, errors.New("no word embedding table found under the \"model\" scope -- were the weights loaded?")
	}
	shape := wordEmbeddings.Shape()
	c.DType = shape.DType
	c.VocabSize = shape.Dim(0)
	c.EmbedDim = shape.Dim(1)

	positionEmbeddings := ctx.InspectVariable("/model/embeddings", "position_embeddings")
	if positionEmbeddings == nil {
		return nil, errors.New("no position embedding table found under the \"model\" scope")
	}
	c.MaxPositions = positionEmbeddings.Shape().Dim(0)

	// Count transformer layers from the variable scopes.
	layerScopes := make(map[string]bool)
	ctx.EnumerateVariables(func(v *context.Variable) {
		for _, part := range strings.Split(v.Scope(), context.ScopeSeparator) {
			if strings.HasPrefix(part, "layer_") {
				layerScopes[part] = true
			}
		}
	})
	c.NumLayers = len(layerScopes)
	if c.NumLayers == 0 {
		return nil, errors.New("no transformer layers found under the \"model\" scope")
	}

	t, found := embedDimToE5Type[c.EmbedDim]
	if !found {
		return nil, errors.Errorf("unknown or not implemented E5 model with embedding dimension %d", c.EmbedDim)
	}
	c.Type = t
	c.setSizes()
	return c, nil
}

func (c *Config) setSizes() {
	switch c.Type {
	case E5Small:
		c.NumHeads = 12
		c.IntermediateDim = 1536
	case E5Base:
		c.NumHeads = 12
		c.IntermediateDim = 3072
	case E5Large:
		c.NumHeads = 16
		c.IntermediateDim = 4096
	}
	c.HeadDim = c.EmbedDim / c.NumHeads
}
