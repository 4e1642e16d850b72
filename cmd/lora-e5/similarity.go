package main

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/grofte/LoRA-E5/embedder"
	"github.com/grofte/LoRA-E5/encoder"
	"github.com/grofte/LoRA-E5/hub"
	"github.com/grofte/LoRA-E5/lora"
)

func newSimilarityCommand() *cobra.Command {
	var modelID, dataDir, adapterDir, hubToken string
	var maxLength int
	cmd := &cobra.Command{
		Use:   "similarity <question1> <question2>",
		Short: "Print the cosine similarity of two questions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := backends.New()
			ctx := context.New()
			vocab, _, err := hub.Download(ctx, modelID, hubToken, dataDir)
			if err != nil {
				return err
			}
			config, err := encoder.NewConfigFromContext(ctx)
			if err != nil {
				return errors.Wrapf(err, "inferring encoder configuration of %q", modelID)
			}

			var adapters *lora.Config
			if adapterDir != "" {
				adapters = lora.NewConfig()
				if err := lora.Load(ctx, adapterDir); err != nil {
					return err
				}
			}

			e := embedder.New(backend, ctx, config, adapters, vocab, maxLength)
			similarity, err := e.Similarity(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%.4f\n", similarity)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&modelID, "model_name_or_path", defaultModelID, "HuggingFace id of the base model.")
	flags.StringVar(&dataDir, "data_dir", "~/.cache/lora-e5", "Cache directory for downloaded models.")
	flags.StringVar(&adapterDir, "adapter_dir", "", "Directory with fine-tuned adapter weights to apply.")
	flags.StringVar(&hubToken, "hub_token", "", "HuggingFace token for gated models.")
	flags.IntVar(&maxLength, "max_length", 128, "Token length every question is truncated or padded to.")
	return cmd
}
