package embedder

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/lora"
)

type fakeVocab struct{}

func (fakeVocab) EncodePadded(text string, maxLen int) (ids, mask []int32) {
	ids = make([]int32, maxLen)
	mask = make([]int32, maxLen)
	for ii := 0; ii < len(text) && ii < maxLen; ii++ {
		ids[ii] = int32(text[ii]) % 16
		mask[ii] = 1
	}
	return
}

// A deliberately tiny configuration, so the test runs a full forward pass
// with randomly initialized weights in milliseconds.
func tinyConfig() *encoder.Config {
	return &encoder.Config{
		DType:            dtypes.Float32,
		NumLayers:        1,
		VocabSize:        16,
		EmbedDim:         8,
		NumHeads:         2,
		HeadDim:          4,
		IntermediateDim:  16,
		MaxPositions:     32,
		PositionOffset:   2,
		LayerNormEpsilon: 1e-5,
		Normalize:        true,
	}
}

func TestEmbedShapesAndNorm(t *testing.T) {
	backend := backends.New()
	ctx := context.New()
	e := New(backend, ctx, tinyConfig(), nil, fakeVocab{}, 16)

	vectors, err := e.Embed([]string{"how do I boil eggs", "why is the sky blue"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	for _, vector := range vectors {
		require.Len(t, vector, 8)
		var norm float64
		for _, v := range vector {
			norm += float64(v) * float64(v)
		}
		require.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}

	_, err = e.Embed(nil)
	require.Error(t, err)
}

// cloneBaseVariables copies every non-adapter variable of src into a fresh
// context, sharing the tensor values.
func cloneBaseVariables(src *context.Context) *context.Context {
	dst := context.New()
	src.EnumerateVariables(func(v *context.Variable) {
		if lora.IsAdapterVariable(v.Scope()) {
			return
		}
		scoped := dst
		for _, part := range strings.Split(v.Scope(), context.ScopeSeparator) {
			if part != "" {
				scoped = scoped.In(part)
			}
		}
		scoped.VariableWithValue(v.Name(), v.Value())
	})
	return dst
}

func TestAdapterRoundTripEmbeddings(t *testing.T) {
	backend := backends.New()
	ctx := context.New()
	config := tinyConfig()
	texts := []string{"how do I boil eggs", "why is the sky blue"}

	trained := New(backend, ctx, config, lora.NewConfig(), fakeVocab{}, 16)
	_, err := trained.Embed(texts)
	require.NoError(t, err)

	// Freshly injected adapters are a no-op (their up-projection is zero), so
	// give them non-trivial values before saving, as training would.
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !lora.IsAdapterVariable(v.Scope()) {
			return
		}
		flat := make([]float32, v.Shape().Size())
		for ii := range flat {
			flat[ii] = 0.01 * float32(ii+1)
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(flat, v.Shape().Dimensions...))
	})
	want, err := trained.Embed(texts)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, lora.Save(ctx, dir))

	// Same base weights, adapters restored from disk: embeddings must match.
	restoredCtx := cloneBaseVariables(ctx)
	require.NoError(t, lora.Load(restoredCtx, dir))
	restored := New(backend, restoredCtx, config, lora.NewConfig(), fakeVocab{}, 16)
	got, err := restored.Embed(texts)
	require.NoError(t, err)

	require.Len(t, got, len(want))
	for ii := range want {
		require.InDeltaSlice(t, want[ii], got[ii], 1e-6, "embedding %d", ii)
	}
}

func TestSimilarity(t *testing.T) {
	backend := backends.New()
	ctx := context.New()
	e := New(backend, ctx, tinyConfig(), lora.NewConfig(), fakeVocab{}, 16)

	// Identical texts embed identically: cosine 1 up to float error.
	same, err := e.Similarity("a question", "a question")
	require.NoError(t, err)
	require.InDelta(t, 1.0, same, 1e-4)

	other, err := e.Similarity("a question", "something else entirely")
	require.NoError(t, err)
	require.LessOrEqual(t, other, float32(1.001))
	require.GreaterOrEqual(t, other, float32(-1.001))
}
