package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newPrepareCmd() *cobra.Command {
	cfg := DefaultTrainConfig()
	contextLen := 1024
	validFraction := 0.05
	shardSize := 4096
	var inputs []string

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Tokenize raw text into crunched shard directories",
		Long: `prepare reads raw text files, tokenizes them with the GPT-2 BPE,
packs the token stream into fixed-length windows, and writes the train and
valid splits as shard files under {base}/{data}-crunched/.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			if len(inputs) == 0 {
				return fmt.Errorf("%w: no input files", ErrInvalidConfig)
			}

			tok, err := NewTokenizer()
			if err != nil {
				return err
			}

			var docs []string
			for _, path := range inputs {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("prepare: read %s: %w", path, err)
				}
				// Blank lines separate documents.
				for _, doc := range strings.Split(string(data), "\n\n") {
					if strings.TrimSpace(doc) != "" {
						docs = append(docs, doc)
					}
				}
			}

			seqs := CrunchDocuments(docs, tok.Encode, contextLen)
			if len(seqs) == 0 {
				return fmt.Errorf("prepare: no sequences produced")
			}

			nValid := int(float64(len(seqs)) * validFraction)
			if nValid == 0 {
				nValid = 1
			}
			if nValid >= len(seqs) {
				return fmt.Errorf("prepare: corpus too small to split (%d sequences)", len(seqs))
			}
			trainSeqs := seqs[:len(seqs)-nValid]
			validSeqs := seqs[len(seqs)-nValid:]

			if err := writeSplit(cfg.BaseDir, cfg.Dataset, "train", contextLen, trainSeqs, shardSize); err != nil {
				return err
			}
			if err := writeSplit(cfg.BaseDir, cfg.Dataset, "valid", contextLen, validSeqs, shardSize); err != nil {
				return err
			}

			logger.Info("prepared",
				"dataset", cfg.Dataset,
				"context_len", contextLen,
				"train_sequences", len(trainSeqs),
				"valid_sequences", len(validSeqs))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "raw text files to tokenize")
	cmd.Flags().StringVar(&cfg.Dataset, "data", cfg.Dataset, "dataset identifier")
	cmd.Flags().StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "data base directory")
	cmd.Flags().IntVar(&contextLen, "context-len", contextLen, "sequence context length")
	cmd.Flags().Float64Var(&validFraction, "valid-fraction", validFraction, "fraction of sequences held out for validation")
	cmd.Flags().IntVar(&shardSize, "shard-size", shardSize, "sequences per shard file")
	return cmd
}

// writeSplit shards one split into its crunched directory.
func writeSplit(base, dataset, split string, contextLen int, seqs []Sequence, shardSize int) error {
	dir := SplitDir(base, dataset, split, contextLen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare: create %s: %w", dir, err)
	}

	shard := 0
	for start := 0; start < len(seqs); start += shardSize {
		end := start + shardSize
		if end > len(seqs) {
			end = len(seqs)
		}
		path := filepath.Join(dir, fmt.Sprintf("shard_%05d.bin", shard))
		if err := WriteShard(path, contextLen, seqs[start:end]); err != nil {
			return err
		}
		shard++
	}
	return nil
}
