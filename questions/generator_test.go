package questions

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, numExamples int) *DocStore {
	t.Helper()
	store, err := OpenDocStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	examples := make([]Example, numExamples)
	for ii := range examples {
		examples[ii] = Example{
			Question1:   fmt.Sprintf("question1 #%d", ii),
			Question2:   fmt.Sprintf("question2 #%d", ii),
			IsDuplicate: ii%2 == 0,
		}
	}
	require.NoError(t, store.Import(examples))
	return store
}

func TestDocStoreImportAndGet(t *testing.T) {
	store := openTestStore(t, 10)

	count, err := store.Count()
	require.NoError(t, err)
	require.EqualValues(t, 10, count)

	example, err := store.Get(3)
	require.NoError(t, err)
	require.Equal(t, "question1 #3", example.Question1)
	require.Equal(t, "question2 #3", example.Question2)
	require.False(t, example.IsDuplicate)

	batch, err := store.GetBatch([]uint64{7, 1, 4})
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "question1 #7", batch[0].Question1)
	require.Equal(t, "question1 #1", batch[1].Question1)
	require.Equal(t, "question1 #4", batch[2].Question1)
}

// A pass over the store must yield every record exactly once, whatever the
// shuffle order and chunk size.
func TestScanYieldsEveryRecordExactlyOnce(t *testing.T) {
	const numExamples = 100
	store := openTestStore(t, numExamples)

	for _, chunkSize := range []int{1, 7, 100, 1000} {
		rng := rand.New(rand.NewPCG(17, uint64(chunkSize)))
		seen := make(map[string]int)
		total := 0
		for example, err := range store.Scan(rng, chunkSize) {
			require.NoError(t, err)
			seen[example.Question1]++
			total++
		}
		require.Equal(t, numExamples, total, "chunkSize=%d", chunkSize)
		require.Len(t, seen, numExamples, "chunkSize=%d", chunkSize)
		for question, count := range seen {
			require.Equalf(t, 1, count, "record %q yielded %d times (chunkSize=%d)", question, count, chunkSize)
		}
	}
}

func TestScanShuffles(t *testing.T) {
	store := openTestStore(t, 50)
	rng := rand.New(rand.NewPCG(1, 2))

	var order []string
	for example, err := range store.Scan(rng, 16) {
		require.NoError(t, err)
		order = append(order, example.Question1)
	}
	inOrder := true
	for ii := range order {
		if order[ii] != fmt.Sprintf("question1 #%d", ii) {
			inOrder = false
			break
		}
	}
	require.False(t, inOrder, "a shuffled pass should not come back in insertion order")
}
