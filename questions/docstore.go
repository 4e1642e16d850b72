package questions

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/vmihailenco/msgpack"
)

// DocStore is an embedded document store of examples, keyed by
// auto-incrementing document ids. It backs the streaming dataset mode: the
// tabular file is imported once and rows are pulled back in chunks, so the
// dataset is never fully resident.
type DocStore struct {
	db *badger.DB
}

const docKeyPrefix = "doc/"

// OpenDocStore opens (or creates) the store at dir.
func OpenDocStore(dir string) (*DocStore, error) {
	options := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open document store at %q", dir)
	}
	return &DocStore{db: db}, nil
}

func (s *DocStore) Close() error {
	return s.db.Close()
}

func docKey(id uint64) []byte {
	key := make([]byte, len(docKeyPrefix)+8)
	copy(key, docKeyPrefix)
	binary.BigEndian.PutUint64(key[len(docKeyPrefix):], id)
	return key
}

// Import inserts examples with auto-incrementing ids, continuing from the
// store's current count.
func (s *DocStore) Import(examples []Example) error {
	sequence, err := s.db.GetSequence([]byte("meta/next-id"), 1024)
	if err != nil {
		return errors.Wrap(err, "failed to create document id sequence")
	}
	defer func() { _ = sequence.Release() }()

	writeBatch := s.db.NewWriteBatch()
	defer writeBatch.Cancel()
	for _, example := range examples {
		id, err := sequence.Next()
		if err != nil {
			return errors.Wrap(err, "failed to allocate document id")
		}
		encoded, err := msgpack.Marshal(example)
		if err != nil {
			return errors.Wrap(err, "failed to encode example")
		}
		if err = writeBatch.Set(docKey(id), encoded); err != nil {
			return errors.Wrapf(err, "failed to enqueue document %d", id)
		}
	}
	return errors.Wrap(writeBatch.Flush(), "failed to flush imported documents")
}

// Get returns the example stored under id.
func (s *DocStore) Get(id uint64) (example Example, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return msgpack.Unmarshal(value, &example)
		})
	})
	err = errors.Wrapf(err, "failed to read document %d", id)
	return
}

// GetBatch returns the examples for the given ids, in order, within a single
// read transaction.
func (s *DocStore) GetBatch(ids []uint64) ([]Example, error) {
	examples := make([]Example, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(docKey(id))
			if err != nil {
				return errors.Wrapf(err, "failed to read document %d", id)
			}
			var example Example
			if err = item.Value(func(value []byte) error {
				return msgpack.Unmarshal(value, &example)
			}); err != nil {
				return errors.Wrapf(err, "failed to decode document %d", id)
			}
			examples = append(examples, example)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return examples, nil
}

// Count returns the number of stored documents.
func (s *DocStore) Count() (uint64, error) {
	var count uint64
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = []byte(docKeyPrefix)
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, errors.Wrap(err, "failed to count documents")
}

// ImportFile opens (or creates) a store next to the tabular file -- named
// after the file stem -- and fills it with the file's rows if it is still
// empty. It shows a progress bar while importing.
func ImportFile(filePath string) (*DocStore, error) {
	storeDir := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + ".docstore"
	store, err := OpenDocStore(storeDir)
	if err != nil {
		return nil, err
	}
	count, err := store.Count()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if count > 0 {
		// Already imported on a previous run.
		return store, nil
	}

	examples, err := ReadFile(filePath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bar := progressbar.NewOptions(len(examples),
		progressbar.OptionSetDescription(color.BlueString("importing %s", filepath.Base(filePath))),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	const importChunk = 4096
	for start := 0; start < len(examples); start += importChunk {
		end := min(start+importChunk, len(examples))
		if err = store.Import(examples[start:end]); err != nil {
			_ = store.Close()
			return nil, err
		}
		_ = bar.Add(end - start)
	}
	_ = bar.Finish()
	return store, nil
}
