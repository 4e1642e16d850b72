package questions

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

// fakeEncoder records the texts it saw and encodes them as a running counter,
// so batches can be traced back to their source examples.
type fakeEncoder struct {
	texts []string
}

func (f *fakeEncoder) EncodePadded(text string, maxLen int) (ids, mask []int32) {
	f.texts = append(f.texts, text)
	ids = make([]int32, maxLen)
	mask = make([]int32, maxLen)
	ids[0] = int32(len(f.texts))
	mask[0] = 1
	return
}

func makeExamples(n int) []Example {
	examples := make([]Example, n)
	for ii := range examples {
		examples[ii] = Example{
			Question1:   fmt.Sprintf("q1-%d", ii),
			Question2:   fmt.Sprintf("q2-%d", ii),
			IsDuplicate: ii%3 == 0,
		}
	}
	return examples
}

func int32At(t *testing.T, tensor *tensors.Tensor, index int) int32 {
	t.Helper()
	var value int32
	tensors.ConstFlatData(tensor, func(flat []int32) {
		value = flat[index]
	})
	return value
}

func float32Flat(t *testing.T, tensor *tensors.Tensor) []float32 {
	t.Helper()
	var values []float32
	tensors.ConstFlatData(tensor, func(flat []float32) {
		values = append(values, flat...)
	})
	return values
}

func TestDatasetYieldShapesAndLabels(t *testing.T) {
	const maxLen, batchSize = 8, 4
	encoder := &fakeEncoder{}
	ds := FromExamples("train", makeExamples(10), encoder, maxLen, batchSize, false, nil)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 4)
	require.Len(t, labels, 1)
	for _, input := range inputs {
		require.Equal(t, []int{batchSize, maxLen}, input.Shape().Dimensions)
	}
	require.Equal(t, []int{batchSize}, labels[0].Shape().Dimensions)
	require.Equal(t, []float32{1, 0, 0, 1}, float32Flat(t, labels[0]))

	// Both sides of every pair carry the query marker prefix.
	require.Len(t, encoder.texts, 2*batchSize)
	require.Equal(t, QueryPrefix+"q1-0", encoder.texts[0])
	require.Equal(t, QueryPrefix+"q2-0", encoder.texts[1])
	for _, text := range encoder.texts {
		require.True(t, strings.HasPrefix(text, QueryPrefix))
	}
}

func TestDatasetExactlyOnePassWithPartialTail(t *testing.T) {
	const maxLen, batchSize = 4, 4
	ds := FromExamples("train", makeExamples(10), &fakeEncoder{}, maxLen, batchSize, false, nil)

	var batchSizes []int
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		batchSizes = append(batchSizes, inputs[0].Shape().Dim(0))
	}
	require.Equal(t, []int{4, 4, 2}, batchSizes)

	// After Reset the pass starts over.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Equal(t, 4, inputs[0].Shape().Dim(0))
}

func TestDatasetSkipBatches(t *testing.T) {
	const maxLen, batchSize = 4, 2
	encoder := &fakeEncoder{}
	ds := FromExamples("train", makeExamples(10), encoder, maxLen, batchSize, false, nil)
	ds.SkipBatches(3)

	_, _, _, err := ds.Yield()
	require.NoError(t, err)
	// Batches 0..2 were consumed by the fast-forward without tokenization;
	// the first yielded batch starts at example 6.
	require.Equal(t, QueryPrefix+"q1-6", encoder.texts[0])

	count := 1
	for {
		_, _, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 2, count)
}

func TestSkipBatchesPropagatesStoreErrors(t *testing.T) {
	store := openTestStore(t, 10)
	ds := FromStore("train", store, &fakeEncoder{}, 4, 2, rand.New(rand.NewPCG(1, 1)))
	ds.SkipBatches(1)

	// A store failure during the fast-forward must surface, not be skipped
	// over silently.
	require.NoError(t, store.Close())
	_, _, _, err := ds.Yield()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestDatasetSharding(t *testing.T) {
	const maxLen, batchSize = 4, 2
	encoder0 := &fakeEncoder{}
	shard0 := FromExamples("train", makeExamples(8), encoder0, maxLen, batchSize, false, nil).WithShard(0, 2)
	encoder1 := &fakeEncoder{}
	shard1 := FromExamples("train", makeExamples(8), encoder1, maxLen, batchSize, false, nil).WithShard(1, 2)

	drain := func(ds *Dataset) int {
		total := 0
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				return total
			}
			require.NoError(t, err)
			total += inputs[0].Shape().Dim(0)
		}
	}
	require.Equal(t, 4, drain(shard0))
	require.Equal(t, 4, drain(shard1))
	require.Equal(t, QueryPrefix+"q1-0", encoder0.texts[0])
	require.Equal(t, QueryPrefix+"q1-1", encoder1.texts[0])
	for idx, text := range encoder0.texts {
		for _, other := range encoder1.texts {
			require.NotEqualf(t, text, other, "shards overlap at %d", idx)
		}
	}
}

func TestAccumulatedFusesMicroBatches(t *testing.T) {
	const maxLen, batchSize = 4, 2
	ds := FromExamples("train", makeExamples(10), &fakeEncoder{}, maxLen, batchSize, false, nil)
	fused := Accumulated(ds, 2)

	_, inputs, labels, err := fused.Yield()
	require.NoError(t, err)
	require.Equal(t, []int{2 * batchSize, maxLen}, inputs[0].Shape().Dimensions)
	require.Equal(t, []int{2 * batchSize}, labels[0].Shape().Dimensions)

	// The fused ids are the micro-batches back to back.
	require.Equal(t, int32(1), int32At(t, inputs[0], 0))
	require.Equal(t, int32(3), int32At(t, inputs[0], maxLen))

	// 10 examples = 5 micro-batches = 2 full fused batches + 1 leftover,
	// then the pass ends.
	_, _, _, err = fused.Yield()
	require.NoError(t, err)
	_, inputs, _, err = fused.Yield()
	require.NoError(t, err)
	require.Equal(t, batchSize, inputs[0].Shape().Dim(0))
	_, _, _, err = fused.Yield()
	require.Equal(t, io.EOF, err)

	// The EOF is consumed: the next Yield starts a fresh full pass.
	_, inputs, _, err = fused.Yield()
	require.NoError(t, err)
	require.Equal(t, 2*batchSize, inputs[0].Shape().Dim(0))
}

func TestAccumulatedEvenPassEndsOnce(t *testing.T) {
	const maxLen, batchSize = 4, 2
	// 8 examples = 4 micro-batches = exactly 2 fused batches: one EOF, no
	// stray empty window.
	ds := FromExamples("train", makeExamples(8), &fakeEncoder{}, maxLen, batchSize, false, nil)
	fused := Accumulated(ds, 2)

	for range 2 {
		_, inputs, _, err := fused.Yield()
		require.NoError(t, err)
		require.Equal(t, 2*batchSize, inputs[0].Shape().Dim(0))
	}
	_, _, _, err := fused.Yield()
	require.Equal(t, io.EOF, err)
	_, inputs, _, err := fused.Yield()
	require.NoError(t, err)
	require.Equal(t, 2*batchSize, inputs[0].Shape().Dim(0))
}

func TestLooping(t *testing.T) {
	const maxLen, batchSize = 4, 4
	ds := Looping(FromExamples("train", makeExamples(4), &fakeEncoder{}, maxLen, batchSize, false, nil))

	for step := range 5 {
		_, inputs, _, err := ds.Yield()
		require.NoErrorf(t, err, "step %d", step)
		require.Equal(t, batchSize, inputs[0].Shape().Dim(0))
	}
}
