package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var verbose bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mt",
		Short: "Train and sweep bottlenecked GPT-2 style language models",
		Long: `mt trains causal language models whose attention layers project the
master embedding width down to a per-layer bottleneck width and back,
so a hyperparameter sweep can trade capacity per layer against depth.

Datasets are pre-tokenized shard directories produced by "mt prepare".`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newTrainCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newPrepareCmd())
	root.AddCommand(newGenerateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
