package questions

import (
	"iter"
	"math/rand/v2"
)

// DefaultChunkSize is how many documents each store read pulls at once.
const DefaultChunkSize = 1024

// Scan returns a lazy sequence over every document of the store, in shuffled
// chunked order: document ids are shuffled up front, then pulled from the
// store chunkSize at a time, so at most one chunk is resident.
//
// Each full iteration is one pass yielding every record exactly once; the
// sequence is not resumable mid-iteration, but re-invoking Scan starts a
// fresh (re-shuffled) pass.
func (s *DocStore) Scan(rng *rand.Rand, chunkSize int) iter.Seq2[Example, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return func(yield func(Example, error) bool) {
		count, err := s.Count()
		if err != nil {
			yield(Example{}, err)
			return
		}
		ids := make([]uint64, count)
		for ii := range ids {
			ids[ii] = uint64(ii)
		}
		if rng != nil {
			rng.Shuffle(len(ids), func(ii, jj int) {
				ids[ii], ids[jj] = ids[jj], ids[ii]
			})
		}
		for start := 0; start < len(ids); start += chunkSize {
			end := min(start+chunkSize, len(ids))
			chunk, err := s.GetBatch(ids[start:end])
			if err != nil {
				yield(Example{}, err)
				return
			}
			for _, example := range chunk {
				if !yield(example, nil) {
					return
				}
			}
		}
	}
}
