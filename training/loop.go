package training

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/commandline"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/lora"
	"github.com/grofte/LoRA-E5/questions"
	"github.com/grofte/LoRA-E5/sentencepiece"
)

// Publisher pushes the output directory to a remote model registry.
// *hub.Uploader implements it.
type Publisher interface {
	PushDirectory(dir, message string) error
}

// Session is a fully assembled fine-tuning run: backend, a context holding
// the pretrained encoder weights, the tokenizer and the run configuration.
type Session struct {
	Backend       backends.Backend
	Context       *context.Context
	Encoder       *encoder.Config
	Tokenizer     *sentencepiece.Processor
	TokenizerPath string
	Config        *Config

	// Publisher, when set, receives an in-progress push after every epoch but
	// the last. Leave nil on worker processes.
	Publisher Publisher
}

// Run executes the fine-tuning schedule: epochs of contrastive training with
// gradient accumulation, a learning rate schedule, periodic checkpoints,
// per-epoch ROC-AUC evaluation and a final save of the trained weights.
//
// Graph building and execution report failures by throwing; TryCatch converts
// them to ordinary errors.
func (s *Session) Run() error {
	var err error
	if caught := exceptions.TryCatch[error](func() { err = s.run() }); caught != nil {
		return caught
	}
	return err
}

func (s *Session) run() error {
	cfg := s.Config
	role := cfg.Role()
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0))

	var adapters *lora.Config
	if cfg.UseAdapters {
		adapters = lora.NewConfig()
	}

	trainDS, evalDS, err := s.buildDatasets(rng)
	if err != nil {
		return err
	}
	numTrain, err := trainDS.NumExamples()
	if err != nil {
		return errors.Wrap(err, "counting training examples")
	}
	shardExamples := shardSize(numTrain, cfg.ShardIndex, cfg.ShardCount)
	sched, err := planSchedule(shardExamples, cfg.TrainBatchSize, cfg.AccumulationSteps,
		cfg.MaxTrainSteps, cfg.NumEpochs)
	if err != nil {
		return errors.Wrapf(err, "planning the training schedule for %q", cfg.TrainFile)
	}
	stepsPerEpochMicro := sched.StepsPerEpochMicro
	updatesPerEpoch := sched.UpdatesPerEpoch
	maxSteps := sched.MaxSteps
	numEpochs := sched.NumEpochs

	plan, err := s.resume(adapters, stepsPerEpochMicro)
	if err != nil {
		return err
	}
	if plan.SkipBatches > 0 {
		trainDS.SkipBatches(plan.SkipBatches)
	}

	if adapters != nil {
		lora.MarkTrainable(s.Context)
		if role.IsMain() {
			klog.Info(lora.Summarize(s.Context))
		}
	}

	model := &PairModel{Encoder: s.Encoder, Adapters: adapters}
	optimizer := optimizers.Adam().
		LearningRate(cfg.LearningRate).
		WeightDecay(cfg.WeightDecay).
		Done()
	trainer := train.NewTrainer(s.Backend, s.Context, model.Forward, PairLoss, optimizer, nil, nil)
	loop := train.NewLoop(trainer)
	if role.IsMain() {
		commandline.AttachProgressBar(loop)
	}

	tracker, err := NewTracker(cfg.OutputDir, cfg.WithTracking, role)
	if err != nil {
		return err
	}
	defer func() { _ = tracker.Close() }()
	saver := NewSaver(s.Context, adapters, cfg.OutputDir, role)

	scheduler := NewScheduler(must.M1(SchedulerTypeFromString(cfg.SchedulerType)),
		cfg.LearningRate, cfg.WarmupSteps, maxSteps)
	lrVar := optimizers.LearningRateVar(s.Context, dtypes.Float32, cfg.LearningRate)
	lrVar.SetValue(tensors.FromValue(float32(scheduler.LearningRate(plan.CompletedSteps))))

	completedSteps := plan.CompletedSteps
	var lastLoss float64
	checkpointSteps := cfg.CheckpointSteps()
	train.EveryNSteps(loop, 1, "schedule", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			completedSteps++
			lrVar.SetValue(tensors.FromValue(float32(scheduler.LearningRate(completedSteps))))
			if len(metrics) > 0 {
				lastLoss = float64(tensors.ToScalar[float32](metrics[0]))
			}
			if checkpointSteps > 0 && completedSteps%checkpointSteps == 0 {
				return saver.Save(CheckpointTag{N: completedSteps}, completedSteps)
			}
			return nil
		})

	evaluator := NewEvaluator(s.Backend, s.Context, model)
	fused := questions.Accumulated(trainDS, cfg.AccumulationSteps)

	for epoch := plan.StartEpoch; epoch < numEpochs && completedSteps < maxSteps; epoch++ {
		epochSteps := updatesPerEpoch
		if epoch == plan.StartEpoch && plan.SkipBatches > 0 {
			epochSteps = updateStepsPerEpoch(stepsPerEpochMicro-plan.SkipBatches, cfg.AccumulationSteps)
		}
		epochSteps = min(epochSteps, maxSteps-completedSteps)
		if _, err := loop.RunSteps(questions.Looping(fused), epochSteps); err != nil {
			return errors.Wrapf(err, "training epoch %d", epoch)
		}

		auc, err := evaluator.ROCAUC(evalDS)
		if err != nil {
			return errors.Wrapf(err, "evaluating after epoch %d", epoch)
		}
		if role.IsMain() {
			klog.Infof("epoch %d: train_loss=%.4f eval ROC-AUC=%.4f", epoch, lastLoss, auc)
		}
		if err := tracker.Log(MetricsEntry{Epoch: epoch, Step: completedSteps,
			TrainLoss: lastLoss, EvalAUC: auc}); err != nil {
			return err
		}
		if cfg.CheckpointEvery == CheckpointPerEpoch {
			if err := saver.Save(CheckpointTag{IsEpoch: true, N: epoch}, completedSteps); err != nil {
				return err
			}
		}
		if s.Publisher != nil && role.IsMain() && epoch < numEpochs-1 {
			// Keep the published repository current; the final push after
			// training covers the last epoch.
			if err := saver.SaveFinal(s.TokenizerPath); err != nil {
				return err
			}
			if err := s.Publisher.PushDirectory(cfg.OutputDir,
				fmt.Sprintf("Training in progress epoch %d", epoch)); err != nil {
				return errors.Wrapf(err, "publishing epoch %d artifacts", epoch)
			}
		}
	}

	return saver.SaveFinal(s.TokenizerPath)
}

// buildDatasets constructs the training dataset (in memory or streaming per
// the configuration, sharded for this process) and the in-memory evaluation
// dataset.
func (s *Session) buildDatasets(rng *rand.Rand) (trainDS *questions.Dataset, evalDS *questions.Dataset, err error) {
	cfg := s.Config
	switch cfg.DatasetHandling {
	case DatasetStreaming:
		store, err := questions.ImportFile(cfg.TrainFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "importing %q into the document store", cfg.TrainFile)
		}
		trainDS = questions.FromStore(datasetName(cfg.TrainFile), store, s.Tokenizer,
			cfg.MaxLength, cfg.TrainBatchSize, rng)
	default:
		examples, err := questions.ReadFile(cfg.TrainFile)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "loading training file %q", cfg.TrainFile)
		}
		trainDS = questions.FromExamples(datasetName(cfg.TrainFile), examples, s.Tokenizer,
			cfg.MaxLength, cfg.TrainBatchSize, true, rng)
	}
	if cfg.ShardCount > 1 {
		trainDS = trainDS.WithShard(cfg.ShardIndex, cfg.ShardCount)
	}

	evalExamples, err := questions.ReadFile(cfg.EvalFile)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading evaluation file %q", cfg.EvalFile)
	}
	evalDS = questions.FromExamples(datasetName(cfg.EvalFile), evalExamples, s.Tokenizer,
		cfg.MaxLength, cfg.EvalBatchSize, false, nil)
	return trainDS, evalDS, nil
}

// resume loads the requested checkpoint and computes the resume position.
// With no checkpoint configured it returns the zero plan.
func (s *Session) resume(adapters *lora.Config, stepsPerEpochMicro int) (ResumePlan, error) {
	cfg := s.Config
	dir := cfg.ResumeFrom
	if dir == "" {
		return ResumePlan{}, nil
	}
	if dir == "latest" {
		var err error
		dir, err = LatestCheckpoint(cfg.OutputDir, stepsPerEpochMicro, cfg.AccumulationSteps)
		if err != nil {
			return ResumePlan{}, err
		}
		if dir == "" {
			return ResumePlan{}, errors.Errorf("no checkpoint to resume from under %q", cfg.OutputDir)
		}
	}
	tag, err := ParseCheckpointTag(dir)
	if err != nil {
		return ResumePlan{}, err
	}
	if err := LoadCheckpoint(s.Context, adapters, dir); err != nil {
		return ResumePlan{}, err
	}
	plan, err := PlanResume(tag, stepsPerEpochMicro, cfg.AccumulationSteps)
	if err != nil {
		return ResumePlan{}, err
	}
	klog.Infof("Resumed from %s: epoch %d, skipping %d batches, %d steps done",
		filepath.Base(dir), plan.StartEpoch, plan.SkipBatches, plan.CompletedSteps)
	return plan, nil
}

func datasetName(path string) string {
	return fmt.Sprintf("pairs:%s", filepath.Base(path))
}

// schedule is the derived shape of the training run: how many micro-batches
// and optimizer updates one epoch takes, and the total step and epoch
// budgets.
type schedule struct {
	StepsPerEpochMicro int
	UpdatesPerEpoch    int
	MaxSteps           int
	NumEpochs          int
}

// planSchedule derives the run schedule. An explicit step budget overrides
// the epoch count. An empty training set is an error rather than a zero-step
// run.
func planSchedule(shardExamples, batchSize, accumulationSteps, maxSteps, numEpochs int) (schedule, error) {
	if shardExamples <= 0 {
		return schedule{}, errors.New("the training set has no examples for this process")
	}
	s := schedule{
		StepsPerEpochMicro: ceilDiv(shardExamples, batchSize),
		MaxSteps:           maxSteps,
		NumEpochs:          numEpochs,
	}
	s.UpdatesPerEpoch = updateStepsPerEpoch(s.StepsPerEpochMicro, accumulationSteps)
	if maxSteps == 0 {
		s.MaxSteps = numEpochs * s.UpdatesPerEpoch
	} else {
		s.NumEpochs = ceilDiv(maxSteps, s.UpdatesPerEpoch)
	}
	return s, nil
}

func shardSize(total, shardIndex, shardCount int) int {
	if shardCount <= 1 {
		return total
	}
	if shardIndex >= total {
		return 0
	}
	return (total - shardIndex + shardCount - 1) / shardCount
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
