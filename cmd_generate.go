package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var (
		checkpoint  string
		prompt      string
		maxTokens   int
		temperature float64
		topK        int
		seed        int64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample text from a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			path := checkpoint
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, modelFile)
			}

			model, err := LoadModel(path)
			if err != nil {
				return err
			}
			logger.Info("loaded",
				"model", model.Config().ModelName(),
				"parameters", model.NumParameters())

			tok, err := NewTokenizer()
			if err != nil {
				return err
			}

			promptIDs := tok.Encode(prompt)
			if len(promptIDs) == 0 {
				promptIDs = []int{endOfTextID}
			}

			rng := rand.New(rand.NewSource(seed))
			out := model.Generate(promptIDs, maxTokens, SampleConfig{
				Temperature: temperature,
				TopK:        topK,
			}, rng)

			fmt.Println(tok.Decode(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint directory or model file")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 128, "tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "sampling temperature (0 = greedy)")
	cmd.Flags().IntVar(&topK, "top-k", 40, "top-k cutoff (0 = full distribution)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "sampling seed")
	cmd.MarkFlagRequired("checkpoint")
	return cmd
}
