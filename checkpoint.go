package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
)

// ErrCheckpointCorrupt indicates a checkpoint file that fails structural
// validation. There is no partial recovery; callers start over.
var ErrCheckpointCorrupt = errors.New("checkpoint: corrupt")

// Checkpoint layout: one directory per saved step holding two files.
//
//	model.bin           uint32 JSON-header length, the ModelConfig as JSON,
//	                    then each parameter tensor's float64 data in
//	                    Parameters() order, little-endian.
//	accelerator_states  uint32 JSON-header length, the trainer state as
//	                    JSON, then the optimizer's first and second moment
//	                    tensors in the same order.
const (
	modelFile  = "model.bin"
	statesFile = "accelerator_states"
)

// trainerState is the JSON header of accelerator_states.
type trainerState struct {
	Epoch int `json:"epoch"`
	Step  int `json:"step"`

	SchedulerStep   int     `json:"scheduler_step"`
	SchedulerBaseLR float64 `json:"scheduler_base_lr"`
	SchedulerWarmup int     `json:"scheduler_warmup_steps"`
	SchedulerTotal  int     `json:"scheduler_total_steps"`

	AdamStep    int     `json:"adam_step"`
	WeightDecay float64 `json:"weight_decay"`
}

// SaveCheckpoint writes the model weights and trainer state for one step.
// Saving the same step twice overwrites in place.
func SaveCheckpoint(dir string, model *LM, opt *AdamW, sched *LRScheduler, epoch, step int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	if err := SaveModel(filepath.Join(dir, modelFile), model); err != nil {
		return err
	}
	return saveTrainerStates(filepath.Join(dir, statesFile), opt, sched, epoch, step)
}

// LoadCheckpoint restores a full training state: the model, the optimizer
// moments, the schedule position, and the epoch/step counters.
func LoadCheckpoint(dir string) (model *LM, opt *AdamW, sched *LRScheduler, epoch int, step int, err error) {
	model, err = LoadModel(filepath.Join(dir, modelFile))
	if err != nil {
		return nil, nil, nil, 0, 0, err
	}
	opt, sched, epoch, step, err = loadTrainerStates(filepath.Join(dir, statesFile), model)
	if err != nil {
		return nil, nil, nil, 0, 0, err
	}
	return model, opt, sched, epoch, step, nil
}

// SaveModel writes config and weights to a single file.
func SaveModel(path string, model *LM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeJSONHeader(w, model.Config()); err != nil {
		return err
	}
	for _, p := range model.Parameters() {
		if err := binary.Write(w, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("checkpoint: write weights: %w", err)
		}
	}
	return w.Flush()
}

// LoadModel reads a model file back into a fresh LM. The config header
// determines the architecture; every parameter tensor is then filled in the
// same order it was written.
func LoadModel(path string) (*LM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var cfg ModelConfig
	if err := readJSONHeader(r, &cfg); err != nil {
		return nil, err
	}

	// Weights are overwritten below, so the init rng is irrelevant.
	model, err := NewLM(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	for _, p := range model.Parameters() {
		if err := binary.Read(r, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("%w: short weight data in %s", ErrCheckpointCorrupt, path)
		}
	}
	return model, nil
}

func saveTrainerStates(path string, opt *AdamW, sched *LRScheduler, epoch, step int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	state := trainerState{
		Epoch:           epoch,
		Step:            step,
		SchedulerStep:   sched.step,
		SchedulerBaseLR: sched.baseLR,
		SchedulerWarmup: sched.warmupSteps,
		SchedulerTotal:  sched.totalSteps,
		AdamStep:        opt.t,
		WeightDecay:     opt.weightDecay,
	}
	if err := writeJSONHeader(w, state); err != nil {
		return err
	}
	for _, m := range opt.m {
		if err := binary.Write(w, binary.LittleEndian, m.data); err != nil {
			return fmt.Errorf("checkpoint: write optimizer state: %w", err)
		}
	}
	for _, v := range opt.v {
		if err := binary.Write(w, binary.LittleEndian, v.data); err != nil {
			return fmt.Errorf("checkpoint: write optimizer state: %w", err)
		}
	}
	return w.Flush()
}

func loadTrainerStates(path string, model *LM) (*AdamW, *LRScheduler, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, 0, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var state trainerState
	if err := readJSONHeader(r, &state); err != nil {
		return nil, nil, 0, 0, err
	}

	opt := NewAdamW(model.Parameters(), state.WeightDecay)
	opt.t = state.AdamStep
	for _, m := range opt.m {
		if err := binary.Read(r, binary.LittleEndian, m.data); err != nil {
			return nil, nil, 0, 0, fmt.Errorf("%w: short optimizer state in %s", ErrCheckpointCorrupt, path)
		}
	}
	for _, v := range opt.v {
		if err := binary.Read(r, binary.LittleEndian, v.data); err != nil {
			return nil, nil, 0, 0, fmt.Errorf("%w: short optimizer state in %s", ErrCheckpointCorrupt, path)
		}
	}

	sched := NewLRScheduler(state.SchedulerBaseLR, state.SchedulerWarmup, state.SchedulerTotal)
	sched.step = state.SchedulerStep

	return opt, sched, state.Epoch, state.Step, nil
}

// writeJSONHeader writes a uint32 length prefix followed by the JSON
// encoding of v.
func writeJSONHeader(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readJSONHeader reads a uint32 length prefix and unmarshals the JSON that
// follows into v.
func readJSONHeader(r io.Reader, v any) error {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("%w: missing header", ErrCheckpointCorrupt)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("%w: short header", ErrCheckpointCorrupt)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	return nil
}
