package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/grofte/LoRA-E5/lora"
)

// Saver writes periodic and final checkpoints under the output directory:
// step_N and epoch_N subdirectories during training and the final artifacts
// at the root when training ends. On worker processes every save is a no-op.
type Saver struct {
	ctx       *context.Context
	adapters  *lora.Config
	outputDir string
	role      Role
}

func NewSaver(ctx *context.Context, adapters *lora.Config, outputDir string, role Role) *Saver {
	return &Saver{ctx: ctx, adapters: adapters, outputDir: outputDir, role: role}
}

// trainingState is saved next to the weights so a resumed run can verify what
// it is loading.
type trainingState struct {
	Tag            string `json:"tag"`
	CompletedSteps int    `json:"completed_steps"`
}

// Save writes a periodic checkpoint named after tag.
func (s *Saver) Save(tag CheckpointTag, completedSteps int) error {
	if !s.role.IsMain() || s.outputDir == "" {
		return nil
	}
	dir := filepath.Join(s.outputDir, tag.DirName())
	if err := s.saveWeights(dir); err != nil {
		return err
	}
	state := trainingState{Tag: tag.DirName(), CompletedSteps: completedSteps}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding training state")
	}
	if err := os.WriteFile(filepath.Join(dir, "training_state.json"), encoded, 0666); err != nil {
		return errors.Wrap(err, "writing training state")
	}
	klog.V(1).Infof("Saved checkpoint %s", dir)
	return nil
}

// SaveFinal writes the end-of-training artifacts at the output directory root
// and copies the tokenizer model next to them, so the directory is usable on
// its own.
func (s *Saver) SaveFinal(tokenizerPath string) error {
	if !s.role.IsMain() || s.outputDir == "" {
		return nil
	}
	if err := s.saveWeights(s.outputDir); err != nil {
		return err
	}
	if tokenizerPath == "" {
		return nil
	}
	data, err := os.ReadFile(tokenizerPath)
	if err != nil {
		return errors.Wrap(err, "reading tokenizer model")
	}
	target := filepath.Join(s.outputDir, filepath.Base(tokenizerPath))
	if err := os.WriteFile(target, data, 0666); err != nil {
		return errors.Wrap(err, "copying tokenizer model")
	}
	return nil
}

// saveWeights writes the adapter weights when training with adapters, or a
// full context checkpoint otherwise.
func (s *Saver) saveWeights(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	if s.adapters != nil {
		return lora.Save(s.ctx, dir)
	}
	handler, err := checkpoints.Build(s.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint handler for %q", dir)
	}
	return handler.Save()
}

// LoadCheckpoint restores the weights saved by Save into ctx.
func LoadCheckpoint(ctx *context.Context, adapters *lora.Config, dir string) error {
	if adapters != nil {
		return lora.Load(ctx, dir)
	}
	_, err := checkpoints.Build(ctx).Dir(dir).Done()
	return errors.Wrapf(err, "loading checkpoint from %q", dir)
}
