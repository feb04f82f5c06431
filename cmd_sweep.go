package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	cfg := DefaultTrainConfig()
	m := defaultModelArgs()
	workers := 0
	var sweepFile string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a grid sweep over depth, bottleneck width, and seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			sc, err := LoadSweepConfig(sweepFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			driver := &SweepDriver{
				Base:       cfg,
				VocabSize:  m.vocabSize,
				MasterDim:  m.masterDim,
				NumHeads:   m.numHeads,
				Dropout:    m.dropout,
				ContextLen: m.contextLen,
				Workers:    workers,
				Logger:     logger,
			}

			runs, best, err := driver.Run(sc)
			if err != nil {
				return err
			}
			if best == nil {
				return fmt.Errorf("sweep: no runs completed")
			}

			for _, r := range runs {
				logger.Info("result",
					"n_layer", r.Point.NumLayers,
					"bottleneck", r.Point.Bottleneck,
					"seed", r.Point.Seed,
					"valid_loss", r.Result.ValidLoss,
					"valid_ppl", r.Result.ValidPerplexity)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sweepFile, "config", "sweep.yaml", "sweep configuration file")
	addTrainFlags(cmd, &cfg)
	addModelFlags(cmd, &m, false)
	cmd.Flags().IntVar(&workers, "workers", 0, "evaluation workers (0 = one per CPU)")
	return cmd
}
