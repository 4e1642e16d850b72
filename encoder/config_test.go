package encoder

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestNewConfigFromContext(t *testing.T) {
	ctx := context.New()
	ectx := ctx.In("model").In("embeddings")
	ectx.VariableWithValue("word_embeddings",
		tensors.FromShape(shapes.Make(dtypes.Float32, 100, 384)))
	ectx.VariableWithValue("position_embeddings",
		tensors.FromShape(shapes.Make(dtypes.Float32, 20, 384)))
	for layerIdx := range 4 {
		ctx.In("model").In(fmt.Sprintf("layer_%d", layerIdx)).In("attn").In("query").
			VariableWithValue("b", tensors.FromShape(shapes.Make(dtypes.Float32, 384)))
	}

	config, err := NewConfigFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, E5Small, config.Type)
	require.Equal(t, 4, config.NumLayers)
	require.Equal(t, 100, config.VocabSize)
	require.Equal(t, 384, config.EmbedDim)
	require.Equal(t, 20, config.MaxPositions)
	require.Equal(t, 12, config.NumHeads)
	require.Equal(t, 32, config.HeadDim)
	require.Equal(t, 1536, config.IntermediateDim)
	require.True(t, config.Normalize)
}

func TestNewConfigFromContextEmpty(t *testing.T) {
	ctx := context.New()
	_, err := NewConfigFromContext(ctx)
	require.Error(t, err)
}
