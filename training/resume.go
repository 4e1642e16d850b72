package training

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Checkpoint directory name prefixes. A step checkpoint counts micro-batches
// seen, not optimizer steps, so the resume arithmetic below divides by the
// gradient accumulation factor.
const (
	stepCheckpointPrefix  = "step_"
	epochCheckpointPrefix = "epoch_"
)

// CheckpointTag is a parsed checkpoint directory name.
type CheckpointTag struct {
	IsEpoch bool
	N       int
}

func (t CheckpointTag) DirName() string {
	if t.IsEpoch {
		return epochCheckpointPrefix + strconv.Itoa(t.N)
	}
	return stepCheckpointPrefix + strconv.Itoa(t.N)
}

// ParseCheckpointTag parses a checkpoint directory basename such as "epoch_3"
// or "step_250".
func ParseCheckpointTag(name string) (CheckpointTag, error) {
	base := filepath.Base(filepath.Clean(name))
	var tag CheckpointTag
	var suffix string
	switch {
	case strings.HasPrefix(base, epochCheckpointPrefix):
		tag.IsEpoch = true
		suffix = strings.TrimPrefix(base, epochCheckpointPrefix)
	case strings.HasPrefix(base, stepCheckpointPrefix):
		suffix = strings.TrimPrefix(base, stepCheckpointPrefix)
	default:
		return tag, errors.Errorf("checkpoint directory %q is neither step_N nor epoch_N", base)
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return tag, errors.Errorf("checkpoint directory %q has no valid counter", base)
	}
	tag.N = n
	return tag, nil
}

// LatestCheckpoint finds the most recent checkpoint directory under
// outputDir. Both forms are ranked by their micro-batch position: a step_N
// checkpoint is N optimizer steps of accumulationSteps micro-batches each,
// an epoch_N checkpoint is N+1 full epochs. Returns "" when there is none.
func LatestCheckpoint(outputDir string, stepsPerEpochMicro, accumulationSteps int) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "scanning %q for checkpoints", outputDir)
	}
	type candidate struct {
		name string
		rank int
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tag, err := ParseCheckpointTag(entry.Name())
		if err != nil {
			continue
		}
		rank := tag.N * accumulationSteps
		if tag.IsEpoch {
			rank = (tag.N + 1) * stepsPerEpochMicro
		}
		candidates = append(candidates, candidate{name: entry.Name(), rank: rank})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rank < candidates[j].rank })
	return filepath.Join(outputDir, candidates[len(candidates)-1].name), nil
}

// ResumePlan tells the training loop where to pick up after loading a
// checkpoint.
type ResumePlan struct {
	// StartEpoch is the first epoch to run (0-based).
	StartEpoch int
	// SkipBatches is how many micro-batches of StartEpoch were already
	// consumed and must be fast-forwarded past.
	SkipBatches int
	// CompletedSteps is the optimizer step counter at the resume point.
	CompletedSteps int
}

// PlanResume converts a checkpoint tag into the position in the training
// schedule where the run left off.
//
// An epoch_N checkpoint was taken after epoch N finished: training restarts
// at epoch N+1 with no batches to skip. A step_N checkpoint counts update
// steps; multiplied by the accumulation factor it gives the micro-batch
// position, which integer division by the per-epoch micro-batch count splits
// into a completed-epoch count and a remainder of batches to skip.
func PlanResume(tag CheckpointTag, stepsPerEpochMicro, accumulationSteps int) (ResumePlan, error) {
	if stepsPerEpochMicro <= 0 || accumulationSteps <= 0 {
		return ResumePlan{}, errors.New("resume needs positive steps per epoch and accumulation factor")
	}
	var plan ResumePlan
	if tag.IsEpoch {
		plan.StartEpoch = tag.N + 1
		plan.CompletedSteps = plan.StartEpoch * updateStepsPerEpoch(stepsPerEpochMicro, accumulationSteps)
		return plan, nil
	}
	resumeStep := tag.N * accumulationSteps
	plan.StartEpoch = resumeStep / stepsPerEpochMicro
	plan.SkipBatches = resumeStep % stepsPerEpochMicro
	plan.CompletedSteps = plan.StartEpoch*updateStepsPerEpoch(stepsPerEpochMicro, accumulationSteps) +
		plan.SkipBatches/accumulationSteps
	return plan, nil
}

// updateStepsPerEpoch converts a per-epoch micro-batch count into optimizer
// update steps, rounding the trailing partial accumulation window up.
func updateStepsPerEpoch(stepsPerEpochMicro, accumulationSteps int) int {
	return (stepsPerEpochMicro + accumulationSteps - 1) / accumulationSteps
}
