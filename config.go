package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidConfig indicates a model or training configuration that fails
// validation. Configuration errors are fatal at startup.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Activation kinds for the MLP sub-module.
const (
	ActGELU = "gelu"
	ActReLU = "relu"
)

// BlockConfig describes one transformer layer: its attention sub-module and
// its position-wise MLP. EmbedDim is the layer's inner width; when it is
// smaller than the model's master width it acts as a bottleneck that
// constrains capacity during sweeps.
type BlockConfig struct {
	NumHeads   int    `json:"n_head"`
	EmbedDim   int    `json:"n_embd"`
	Bias       bool   `json:"bias"`
	InnerDim   int    `json:"n_inner"` // MLP hidden width; 0 means 4x master
	Activation string `json:"activation"`
}

// ModelConfig assembles a stack of blocks into a full causal LM description.
// Created once per run from a hyperparameter set and immutable afterward.
type ModelConfig struct {
	VocabSize  int           `json:"vocab_size"`
	EmbedDim   int           `json:"n_embd"` // master embedding width
	Dropout    float64       `json:"dropout"`
	ContextLen int           `json:"n_ctx"`
	Blocks     []BlockConfig `json:"blocks"`
}

// NewModelConfig builds the uniform configuration the shipped path uses:
// every layer identical, attention projecting master width to the bottleneck
// width and back, MLP inner width defaulting to 4x the master width.
// Heterogeneous stacks can still be assembled by filling Blocks directly.
func NewModelConfig(vocabSize, masterDim, bottleneckDim, numLayers, numHeads int, dropout float64, contextLen int) ModelConfig {
	blocks := make([]BlockConfig, numLayers)
	for i := range blocks {
		blocks[i] = BlockConfig{
			NumHeads:   numHeads,
			EmbedDim:   bottleneckDim,
			Bias:       true,
			InnerDim:   0,
			Activation: ActGELU,
		}
	}

	return ModelConfig{
		VocabSize:  vocabSize,
		EmbedDim:   masterDim,
		Dropout:    dropout,
		ContextLen: contextLen,
		Blocks:     blocks,
	}
}

// Validate fails fast on configurations that must never reach weight
// allocation.
func (c ModelConfig) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab size %d", ErrInvalidConfig, c.VocabSize)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("%w: embedding width %d", ErrInvalidConfig, c.EmbedDim)
	}
	if c.ContextLen <= 0 {
		return fmt.Errorf("%w: context length %d", ErrInvalidConfig, c.ContextLen)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %g outside [0,1)", ErrInvalidConfig, c.Dropout)
	}
	if len(c.Blocks) == 0 {
		return fmt.Errorf("%w: no blocks", ErrInvalidConfig)
	}

	for i, b := range c.Blocks {
		if b.NumHeads <= 0 {
			return fmt.Errorf("%w: block %d: head count %d", ErrInvalidConfig, i, b.NumHeads)
		}
		if b.EmbedDim <= 0 {
			return fmt.Errorf("%w: block %d: embedding width %d", ErrInvalidConfig, i, b.EmbedDim)
		}
		if b.EmbedDim%b.NumHeads != 0 {
			return fmt.Errorf("%w: block %d: embedding width %d not divisible by head count %d",
				ErrInvalidConfig, i, b.EmbedDim, b.NumHeads)
		}
		if b.InnerDim < 0 {
			return fmt.Errorf("%w: block %d: inner width %d", ErrInvalidConfig, i, b.InnerDim)
		}
		switch b.Activation {
		case ActGELU, ActReLU:
		default:
			return fmt.Errorf("%w: block %d: unknown activation %q", ErrInvalidConfig, i, b.Activation)
		}
	}

	return nil
}

// NumLayers returns the block count.
func (c ModelConfig) NumLayers() int {
	return len(c.Blocks)
}

// ModelName is the per-layer widths joined with dashes, e.g. "768-768-768".
// Checkpoint and run directories are keyed by this name.
func (c ModelConfig) ModelName() string {
	widths := make([]string, len(c.Blocks))
	for i, b := range c.Blocks {
		widths[i] = strconv.Itoa(b.EmbedDim)
	}
	return strings.Join(widths, "-")
}

// innerDim resolves a block's MLP hidden width against the master width.
func (c ModelConfig) innerDim(b BlockConfig) int {
	if b.InnerDim > 0 {
		return b.InnerDim
	}
	return 4 * c.EmbedDim
}

// envOr reads an environment variable with a fallback default.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
