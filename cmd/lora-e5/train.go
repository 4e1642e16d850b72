package main

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/hub"
	"github.com/grofte/LoRA-E5/training"
)

const defaultModelID = "intfloat/multilingual-e5-base"

func newTrainCommand() *cobra.Command {
	cfg := &training.Config{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune an E5 model on a file of labeled question pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTraining(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.TrainFile, "train_file", "", "CSV or Parquet file with question1, question2 and is_duplicate columns.")
	flags.StringVar(&cfg.EvalFile, "validation_file", "", "Held-out file in the same format, scored with ROC-AUC after every epoch.")
	flags.StringVar(&cfg.DatasetHandling, "dataset_handling", training.DatasetInMemory,
		`"memory" loads the training file up front, "streaming" imports it into an embedded document store and reads it lazily.`)
	flags.IntVar(&cfg.MaxLength, "max_length", 128, "Token length every question is truncated or padded to.")
	flags.IntVar(&cfg.TrainBatchSize, "per_device_train_batch_size", 32, "Training micro-batch size.")
	flags.IntVar(&cfg.EvalBatchSize, "per_device_eval_batch_size", 32, "Evaluation batch size.")

	flags.StringVar(&cfg.ModelID, "model_name_or_path", defaultModelID, "HuggingFace id of the base model.")
	flags.StringVar(&cfg.DataDir, "data_dir", "~/.cache/lora-e5", "Cache directory for downloaded models.")
	flags.BoolVar(&cfg.UseAdapters, "use_peft", true, "Train low-rank adapters instead of the full model.")
	flags.BoolVar(&cfg.Normalize, "normalize", true, "L2-normalize the sentence embeddings.")

	flags.Float64Var(&cfg.LearningRate, "learning_rate", 5e-4, "Peak learning rate.")
	flags.Float64Var(&cfg.WeightDecay, "weight_decay", 0.0, "AdamW weight decay.")
	flags.IntVar(&cfg.NumEpochs, "num_train_epochs", 3, "Number of passes over the training data.")
	flags.IntVar(&cfg.MaxTrainSteps, "max_train_steps", 0, "Total optimizer steps; overrides --num_train_epochs when set.")
	flags.IntVar(&cfg.AccumulationSteps, "gradient_accumulation_steps", 1, "Micro-batches accumulated per optimizer step.")
	flags.StringVar(&cfg.SchedulerType, "lr_scheduler_type", "linear",
		"One of linear, cosine, cosine_with_restarts, polynomial, constant, constant_with_warmup.")
	flags.IntVar(&cfg.WarmupSteps, "num_warmup_steps", 0, "Linear warmup steps before the schedule starts decaying.")
	flags.Int64Var(&cfg.Seed, "seed", 42, "Seed for data shuffling.")

	flags.StringVar(&cfg.OutputDir, "output_dir", "", "Directory for checkpoints and the final weights.")
	flags.StringVar(&cfg.CheckpointEvery, "checkpointing_steps", "",
		`Checkpoint cadence: a step count, "epoch", or empty to disable.`)
	flags.StringVar(&cfg.ResumeFrom, "resume_from_checkpoint", "",
		`Checkpoint directory (step_N or epoch_N) to resume from, or "latest".`)

	flags.BoolVar(&cfg.PushToHub, "push_to_hub", false, "Publish the final weights to the HuggingFace hub.")
	flags.StringVar(&cfg.HubModelID, "hub_model_id", "", "Repository to push to, as owner/name.")
	flags.StringVar(&cfg.HubToken, "hub_token", "", "HuggingFace write token; also used to download gated models.")
	flags.BoolVar(&cfg.WithTracking, "with_tracking", false, "Append per-epoch metrics to metrics.jsonl in the output directory.")

	flags.IntVar(&cfg.ShardIndex, "shard_index", 0, "Index of this process in a data-parallel run.")
	flags.IntVar(&cfg.ShardCount, "shard_count", 1, "Number of data-parallel processes.")

	for _, required := range []string{"train_file", "validation_file"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runTraining(cfg *training.Config) error {
	role := cfg.Role()
	var uploader *hub.Uploader
	if cfg.PushToHub && role.IsMain() {
		// Fail early, before hours of training, if the repository cannot be
		// created.
		if err := hub.WriteGitIgnore(cfg.OutputDir); err != nil {
			return err
		}
		uploader = &hub.Uploader{RepoID: cfg.HubModelID, AuthToken: cfg.HubToken}
		if err := uploader.CreateRepo(); err != nil {
			return err
		}
	}

	backend := backends.New()
	ctx := context.New()
	vocab, vocabPath, err := hub.Download(ctx, cfg.ModelID, cfg.HubToken, cfg.DataDir)
	if err != nil {
		return err
	}
	encoderConfig, err := encoder.NewConfigFromContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "inferring encoder configuration of %q", cfg.ModelID)
	}
	encoderConfig.Normalize = cfg.Normalize
	klog.Infof("Loaded %s: %d layers, %d dims, vocab %d",
		cfg.ModelID, encoderConfig.NumLayers, encoderConfig.EmbedDim, encoderConfig.VocabSize)

	session := &training.Session{
		Backend:       backend,
		Context:       ctx,
		Encoder:       encoderConfig,
		Tokenizer:     vocab,
		TokenizerPath: vocabPath,
		Config:        cfg,
	}
	if uploader != nil {
		session.Publisher = uploader
	}
	if err := session.Run(); err != nil {
		return err
	}

	if uploader != nil {
		return uploader.PushDirectory(cfg.OutputDir, "End of training")
	}
	return nil
}
