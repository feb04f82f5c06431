package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// modelArgs are the architecture flags shared by train and sweep.
type modelArgs struct {
	vocabSize  int
	masterDim  int
	bottleneck int
	numLayers  int
	numHeads   int
	dropout    float64
	contextLen int
}

func defaultModelArgs() modelArgs {
	return modelArgs{
		vocabSize:  gptVocabSize,
		masterDim:  768,
		bottleneck: 768,
		numLayers:  12,
		numHeads:   12,
		dropout:    0.1,
		contextLen: 1024,
	}
}

func addModelFlags(cmd *cobra.Command, m *modelArgs, withSweepAxes bool) {
	f := cmd.Flags()
	f.IntVar(&m.vocabSize, "vocab-size", m.vocabSize, "vocabulary size")
	f.IntVar(&m.masterDim, "n-embd", m.masterDim, "master embedding width")
	f.IntVar(&m.numHeads, "n-head", m.numHeads, "attention heads per layer")
	f.Float64Var(&m.dropout, "dropout", m.dropout, "dropout probability")
	f.IntVar(&m.contextLen, "context-len", m.contextLen, "sequence context length")
	if withSweepAxes {
		f.IntVar(&m.numLayers, "n-layer", m.numLayers, "number of transformer layers")
		f.IntVar(&m.bottleneck, "bottleneck", m.bottleneck, "per-layer attention width")
	}
}

func addTrainFlags(cmd *cobra.Command, cfg *TrainConfig) {
	f := cmd.Flags()
	f.Float64Var(&cfg.LR, "lr", cfg.LR, "base learning rate")
	f.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "decoupled weight decay")
	f.IntVar(&cfg.NumEpochs, "epochs", cfg.NumEpochs, "training epochs")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "effective batch size")
	f.IntVar(&cfg.MaxDeviceBatch, "max-device-batch", cfg.MaxDeviceBatch, "micro-batch cap before gradient accumulation")
	f.IntVar(&cfg.EvalBatchSize, "eval-batch-size", cfg.EvalBatchSize, "validation batch size")
	f.StringVar(&cfg.Dataset, "data", cfg.Dataset, "dataset identifier")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	f.IntVar(&cfg.WarmupSteps, "warmup", cfg.WarmupSteps, "learning rate warmup steps")
	f.IntVar(&cfg.EvalInterval, "eval-interval", cfg.EvalInterval, "steps between validation passes")
	f.IntVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "steps between checkpoints (0 = final only)")
	f.StringVar(&cfg.RunName, "run-name", cfg.RunName, "run name, keys the checkpoint directory")
	f.StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "data and checkpoint base directory")
}

func newLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "mt",
	})
}

func newTrainCmd() *cobra.Command {
	cfg := DefaultTrainConfig()
	m := defaultModelArgs()
	workers := 0

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one model configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			mcfg := NewModelConfig(m.vocabSize, m.masterDim, m.bottleneck,
				m.numLayers, m.numHeads, m.dropout, m.contextLen)
			if err := mcfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			trainData, validData, err := LoadDataset(cfg.BaseDir, cfg.Dataset, m.contextLen)
			if err != nil {
				return err
			}

			tracker, err := NewTracker(cfg.RunDir(mcfg.ModelName()), logger)
			if err != nil {
				return err
			}
			defer tracker.Close()

			sess := NewSession(cfg.Seed, workers, logger, tracker)
			model, err := NewLM(mcfg, sess.RNG)
			if err != nil {
				return err
			}

			result, err := Train(sess, model, trainData, validData, cfg)
			if err != nil {
				return err
			}

			logger.Info("run complete",
				"valid_loss", result.ValidLoss,
				"valid_ppl", result.ValidPerplexity,
				"optimizer_steps", result.OptimizerSteps,
				"checkpoint", result.FinalCheckpoint)
			return nil
		},
	}

	addTrainFlags(cmd, &cfg)
	addModelFlags(cmd, &m, true)
	cmd.Flags().IntVar(&workers, "workers", 0, "evaluation workers (0 = one per CPU)")
	return cmd
}
