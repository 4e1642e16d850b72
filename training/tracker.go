package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Tracker appends per-epoch metrics as JSON lines to metrics.jsonl in the
// output directory. Only the main process writes; on workers every method is
// a no-op, so callers never branch on role.
type Tracker struct {
	file *os.File
}

// MetricsEntry is one tracked record.
type MetricsEntry struct {
	Time      time.Time `json:"time"`
	Epoch     int       `json:"epoch"`
	Step      int       `json:"step"`
	TrainLoss float64   `json:"train_loss,omitempty"`
	EvalAUC   float64   `json:"eval_auc,omitempty"`
}

// NewTracker opens (or creates) the metrics log. When disabled or on a worker
// it returns a tracker that discards everything.
func NewTracker(outputDir string, enabled bool, role Role) (*Tracker, error) {
	if !enabled || !role.IsMain() || outputDir == "" {
		return &Tracker{}, nil
	}
	if err := os.MkdirAll(outputDir, 0777); err != nil {
		return nil, errors.Wrap(err, "creating output directory for metrics")
	}
	file, err := os.OpenFile(filepath.Join(outputDir, "metrics.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening metrics log")
	}
	return &Tracker{file: file}, nil
}

func (t *Tracker) Log(entry MetricsEntry) error {
	if t.file == nil {
		return nil
	}
	entry.Time = time.Now()
	encoded, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encoding metrics entry")
	}
	if _, err := t.file.Write(append(encoded, '\n')); err != nil {
		return errors.Wrap(err, "writing metrics entry")
	}
	return nil
}

func (t *Tracker) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
