// lora-e5 fine-tunes E5 sentence encoders with low-rank adapters on
// duplicate-question data, and runs the resulting models.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	root := newRootCommand()
	root.PersistentFlags().AddGoFlag(flag.CommandLine.Lookup("v"))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lora-e5",
		Short:         "Fine-tune E5 sentence encoders with low-rank adapters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCommand())
	root.AddCommand(newSimilarityCommand())
	return root
}
