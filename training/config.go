// Package training runs the LoRA fine-tuning of the sentence encoder:
// contrastive training on cosine similarity of question pairs, gradient
// accumulation, periodic checkpointing with resumption, and per-epoch
// ROC-AUC evaluation.
package training

import (
	"strconv"

	"github.com/pkg/errors"
)

// DatasetHandling selects how the training data is fed.
const (
	// DatasetInMemory loads the whole tabular file up front.
	DatasetInMemory = "memory"
	// DatasetStreaming imports the file into the embedded document store and
	// reads it back lazily in shuffled chunks.
	DatasetStreaming = "streaming"
)

// CheckpointPerEpoch is the value of Config.CheckpointEvery requesting one
// checkpoint per epoch instead of every N optimizer steps.
const CheckpointPerEpoch = "epoch"

// Config collects every knob of a fine-tuning run. It is filled from the
// command line.
type Config struct {
	// Data.
	TrainFile, EvalFile string
	DatasetHandling     string // DatasetInMemory or DatasetStreaming.
	MaxLength           int
	TrainBatchSize      int
	EvalBatchSize       int

	// Model.
	ModelID     string // HuggingFace model id of the base encoder.
	DataDir     string // Cache directory for downloaded models and stores.
	UseAdapters bool
	Normalize   bool

	// Optimization.
	LearningRate      float64
	WeightDecay       float64
	NumEpochs         int
	MaxTrainSteps     int // 0 means derived from NumEpochs.
	AccumulationSteps int
	SchedulerType     string
	WarmupSteps       int
	Seed              int64

	// Checkpointing.
	OutputDir       string
	CheckpointEvery string // "", CheckpointPerEpoch, or a step count.
	ResumeFrom      string

	// Publishing and tracking.
	PushToHub    bool
	HubModelID   string
	HubToken     string
	WithTracking bool

	// Data-parallel role of this process.
	ShardIndex, ShardCount int
}

// CheckpointSteps returns the parsed numeric checkpoint interval, or 0 when
// checkpointing is per-epoch or disabled.
func (c *Config) CheckpointSteps() int {
	if c.CheckpointEvery == "" || c.CheckpointEvery == CheckpointPerEpoch {
		return 0
	}
	steps, err := strconv.Atoi(c.CheckpointEvery)
	if err != nil {
		return 0
	}
	return steps
}

// Validate fails fast on inconsistent configuration, before any data or model
// loading.
func (c *Config) Validate() error {
	if c.PushToHub && c.OutputDir == "" {
		return errors.New("need an --output_dir to create a repository when --push_to_hub is passed")
	}
	switch c.DatasetHandling {
	case DatasetInMemory, DatasetStreaming:
	default:
		return errors.Errorf("invalid --dataset_handling value %q, must be %q or %q",
			c.DatasetHandling, DatasetInMemory, DatasetStreaming)
	}
	if c.CheckpointEvery != "" && c.CheckpointEvery != CheckpointPerEpoch {
		if _, err := strconv.Atoi(c.CheckpointEvery); err != nil {
			return errors.Errorf("invalid --checkpointing_steps value %q, must be a number or %q",
				c.CheckpointEvery, CheckpointPerEpoch)
		}
	}
	if _, err := SchedulerTypeFromString(c.SchedulerType); err != nil {
		return err
	}
	if c.TrainBatchSize <= 0 || c.EvalBatchSize <= 0 {
		return errors.New("batch sizes must be positive")
	}
	if c.AccumulationSteps <= 0 {
		return errors.New("--gradient_accumulation_steps must be positive")
	}
	if c.ShardCount < 1 || c.ShardIndex < 0 || c.ShardIndex >= c.ShardCount {
		return errors.Errorf("invalid shard %d of %d", c.ShardIndex, c.ShardCount)
	}
	return nil
}

// Role of this process in a data-parallel run: only the main process writes
// checkpoints, logs and tracker entries; the others do the same work but
// suppress duplicate I/O. It is threaded explicitly through the call graph
// rather than read from a global.
type Role struct {
	ShardIndex, ShardCount int
}

func (r Role) IsMain() bool { return r.ShardIndex == 0 }

func (c *Config) Role() Role {
	return Role{ShardIndex: c.ShardIndex, ShardCount: c.ShardCount}
}
