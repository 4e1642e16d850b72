// Package questions loads, stores and batches the paired-question records
// used to fine-tune the duplicate-question embedding model.
//
// Records can be loaded eagerly into memory from a tabular file (CSV or
// Parquet), or imported into an embedded document store and read back lazily
// in shuffled chunks, never materializing the whole dataset at once.
package questions

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// Example is one paired-question record. Immutable once loaded.
type Example struct {
	Question1   string `msgpack:"question1" parquet:"question1"`
	Question2   string `msgpack:"question2" parquet:"question2"`
	IsDuplicate bool   `msgpack:"is_duplicate" parquet:"-"`
}

// Label returns the duplicate flag as the 0/1 training label.
func (e Example) Label() float32 {
	if e.IsDuplicate {
		return 1
	}
	return 0
}

// ReadFile loads all examples of a tabular file into memory. The format is
// chosen by extension: ".csv" or ".parquet".
func ReadFile(filePath string) ([]Example, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".csv":
		return readCSV(filePath)
	case ".parquet":
		return readParquet(filePath)
	}
	return nil, errors.Errorf("unsupported dataset file format %q -- only .csv and .parquet are supported", filePath)
}

func readCSV(filePath string) ([]Example, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[strings.TrimSpace(name)] = idx
	}
	for _, required := range []string{"question1", "question2", "is_duplicate"} {
		if _, found := columns[required]; !found {
			return nil, errors.Errorf("dataset file %q is missing column %q", filePath, required)
		}
	}

	var examples []Example
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read row %d of %q", len(examples)+2, filePath)
		}
		examples = append(examples, Example{
			Question1:   record[columns["question1"]],
			Question2:   record[columns["question2"]],
			IsDuplicate: parseLabel(record[columns["is_duplicate"]]),
		})
	}
	return examples, nil
}

func parseLabel(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true":
		return true
	}
	return false
}

// parquetExample mirrors Example with the integer label column used by the
// parquet export of the dataset.
type parquetExample struct {
	Question1   string `parquet:"question1"`
	Question2   string `parquet:"question2"`
	IsDuplicate int32  `parquet:"is_duplicate"`
}

func readParquet(filePath string) ([]Example, error) {
	rows, err := parquet.ReadFile[parquetExample](filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read parquet dataset %q", filePath)
	}
	examples := make([]Example, 0, len(rows))
	for _, row := range rows {
		examples = append(examples, Example{
			Question1:   row.Question1,
			Question2:   row.Question2,
			IsDuplicate: row.IsDuplicate != 0,
		})
	}
	return examples, nil
}
