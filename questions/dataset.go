package questions

import (
	"io"
	"iter"
	"math/rand/v2"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// QueryPrefix is the marker prepended to every question before tokenization;
// E5 models are trained with it and embed unprefixed text poorly.
const QueryPrefix = "query: "

// Encoder tokenizes one text into fixed-length ids and attention mask.
// *sentencepiece.Processor implements it.
type Encoder interface {
	EncodePadded(text string, maxLen int) (ids, mask []int32)
}

// Dataset batches paired-question examples as tensors for the train loop.
//
// Inputs per batch: question-1 ids, question-1 mask, question-2 ids,
// question-2 mask, all int32 and shaped [batchSize, maxLen]. Labels: the 0/1
// duplicate flag, float32, shaped [batchSize].
//
// It implements train.Dataset. One pass yields every (shard-local) example
// exactly once; Reset starts a new pass.
type Dataset struct {
	name      string
	encoder   Encoder
	maxLen    int
	batchSize int

	// Exactly one of eager or store is set.
	eager []Example
	store *DocStore

	shuffle bool
	rng     *rand.Rand

	shardIndex, shardCount int

	next        func() (Example, error, bool)
	stop        func()
	globalIndex int
	pendingSkip int
}

var _ train.Dataset = (*Dataset)(nil)

// FromExamples creates an eager in-memory dataset.
func FromExamples(name string, examples []Example, encoder Encoder, maxLen, batchSize int, shuffle bool, rng *rand.Rand) *Dataset {
	return &Dataset{
		name:       name,
		encoder:    encoder,
		maxLen:     maxLen,
		batchSize:  batchSize,
		eager:      examples,
		shuffle:    shuffle,
		rng:        rng,
		shardCount: 1,
	}
}

// FromStore creates a streaming dataset backed by the document store. Rows
// are pulled lazily in shuffled chunks, so the dataset is never fully
// resident.
func FromStore(name string, store *DocStore, encoder Encoder, maxLen, batchSize int, rng *rand.Rand) *Dataset {
	return &Dataset{
		name:       name,
		encoder:    encoder,
		maxLen:     maxLen,
		batchSize:  batchSize,
		store:      store,
		rng:        rng,
		shardCount: 1,
	}
}

// WithShard restricts the dataset to every shardCount-th example, starting at
// shardIndex. Each data-parallel worker takes a disjoint shard.
func (ds *Dataset) WithShard(shardIndex, shardCount int) *Dataset {
	ds.shardIndex = shardIndex
	ds.shardCount = shardCount
	return ds
}

// SkipBatches fast-forwards the next pass by n batches, used to resume
// mid-epoch from a checkpoint.
func (ds *Dataset) SkipBatches(n int) {
	ds.pendingSkip = n
}

// NumExamples returns the total number of examples of the source (before
// sharding).
func (ds *Dataset) NumExamples() (int, error) {
	if ds.store != nil {
		count, err := ds.store.Count()
		return int(count), err
	}
	return len(ds.eager), nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: the next Yield starts a fresh pass.
func (ds *Dataset) Reset() {
	if ds.stop != nil {
		ds.stop()
	}
	ds.next = nil
	ds.stop = nil
	ds.globalIndex = 0
}

func (ds *Dataset) examples() iter.Seq2[Example, error] {
	if ds.store != nil {
		return ds.store.Scan(ds.rng, DefaultChunkSize)
	}
	order := ds.eager
	if ds.shuffle && ds.rng != nil {
		order = append([]Example(nil), ds.eager...)
		ds.rng.Shuffle(len(order), func(ii, jj int) {
			order[ii], order[jj] = order[jj], order[ii]
		})
	}
	return func(yield func(Example, error) bool) {
		for _, example := range order {
			if !yield(example, nil) {
				return
			}
		}
	}
}

// nextExample pulls the next shard-local example, or ok=false at the end of
// the pass.
func (ds *Dataset) nextExample() (Example, error, bool) {
	for {
		example, err, ok := ds.next()
		if !ok {
			return Example{}, nil, false
		}
		if err != nil {
			return Example{}, err, true
		}
		index := ds.globalIndex
		ds.globalIndex++
		if index%ds.shardCount == ds.shardIndex {
			return example, nil, true
		}
	}
}

// Yield implements train.Dataset. It returns io.EOF at the end of a pass; the
// final batch of a pass may be smaller than the configured batch size.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.next == nil {
		ds.next, ds.stop = iter.Pull2(ds.examples())
		for ds.pendingSkip > 0 {
			ds.pendingSkip--
			for range ds.batchSize {
				_, err, ok := ds.nextExample()
				if !ok {
					return nil, nil, nil, errors.New("resume fast-forward skipped past the end of the dataset")
				}
				if err != nil {
					return nil, nil, nil, errors.Wrap(err, "resume fast-forward")
				}
			}
		}
	}

	batch := make([]Example, 0, ds.batchSize)
	for len(batch) < ds.batchSize {
		example, err, ok := ds.nextExample()
		if !ok {
			break
		}
		if err != nil {
			return nil, nil, nil, err
		}
		batch = append(batch, example)
	}
	if len(batch) == 0 {
		ds.Reset()
		return nil, nil, nil, io.EOF
	}

	inputs, labels = ds.tensorize(batch)
	return nil, inputs, labels, nil
}

func (ds *Dataset) tensorize(batch []Example) (inputs, labels []*tensors.Tensor) {
	batchSize := len(batch)
	ids1 := make([]int32, 0, batchSize*ds.maxLen)
	mask1 := make([]int32, 0, batchSize*ds.maxLen)
	ids2 := make([]int32, 0, batchSize*ds.maxLen)
	mask2 := make([]int32, 0, batchSize*ds.maxLen)
	labelValues := make([]float32, 0, batchSize)
	for _, example := range batch {
		ids, mask := ds.encoder.EncodePadded(QueryPrefix+example.Question1, ds.maxLen)
		ids1 = append(ids1, ids...)
		mask1 = append(mask1, mask...)
		ids, mask = ds.encoder.EncodePadded(QueryPrefix+example.Question2, ds.maxLen)
		ids2 = append(ids2, ids...)
		mask2 = append(mask2, mask...)
		labelValues = append(labelValues, example.Label())
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids1, batchSize, ds.maxLen),
		tensors.FromFlatDataAndDimensions(mask1, batchSize, ds.maxLen),
		tensors.FromFlatDataAndDimensions(ids2, batchSize, ds.maxLen),
		tensors.FromFlatDataAndDimensions(mask2, batchSize, ds.maxLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(labelValues, batchSize),
	}
	return
}
