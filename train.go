package main

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Training defaults. The cadence constants count micro-batches, matching
// the logging step.
const (
	defaultMaxDeviceBatch     = 32
	defaultEvalBatchSize      = 32
	defaultWarmupSteps        = 100
	defaultEvalInterval       = 200
	defaultCheckpointInterval = 20000
)

// TrainConfig holds one run's hyperparameters. Built from defaults merged
// with flag or sweep values, validated once, read-only during training, and
// pushed to the tracker at run start.
type TrainConfig struct {
	LR          float64 `json:"lr"`
	WeightDecay float64 `json:"weight_decay"`
	NumEpochs   int     `json:"num_epochs"`

	// BatchSize is the effective batch: when it exceeds MaxDeviceBatch the
	// loop accumulates gradients over BatchSize/MaxDeviceBatch micro-batches
	// before each optimizer step.
	BatchSize      int `json:"batch_size"`
	MaxDeviceBatch int `json:"max_device_batch"`
	EvalBatchSize  int `json:"eval_batch_size"`

	Dataset string `json:"data"`
	Seed    int64  `json:"random_seed"`

	WarmupSteps        int `json:"warmup_steps"`
	EvalInterval       int `json:"eval_interval"`
	CheckpointInterval int `json:"checkpoint_interval"`

	RunName string `json:"run_name"`
	BaseDir string `json:"base_dir"`
}

// DefaultTrainConfig mirrors the shipped run settings. BaseDir comes from
// MT_DATA when set.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:                 0.0006,
		WeightDecay:        0.01,
		NumEpochs:          1,
		BatchSize:          512,
		MaxDeviceBatch:     defaultMaxDeviceBatch,
		EvalBatchSize:      defaultEvalBatchSize,
		Dataset:            "wikitext-103-v1",
		Seed:               42,
		WarmupSteps:        defaultWarmupSteps,
		EvalInterval:       defaultEvalInterval,
		CheckpointInterval: defaultCheckpointInterval,
		RunName:            "reg_loss",
		BaseDir:            envOr("MT_DATA", "data"),
	}
}

// Validate fails fast on settings that must never reach the loop.
func (c TrainConfig) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("%w: learning rate %g", ErrInvalidConfig, c.LR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight decay %g", ErrInvalidConfig, c.WeightDecay)
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("%w: epoch count %d", ErrInvalidConfig, c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.MaxDeviceBatch <= 0 {
		return fmt.Errorf("%w: max device batch %d", ErrInvalidConfig, c.MaxDeviceBatch)
	}
	if c.BatchSize > c.MaxDeviceBatch && c.BatchSize%c.MaxDeviceBatch != 0 {
		return fmt.Errorf("%w: batch size %d not a multiple of max device batch %d",
			ErrInvalidConfig, c.BatchSize, c.MaxDeviceBatch)
	}
	if c.EvalBatchSize <= 0 {
		return fmt.Errorf("%w: eval batch size %d", ErrInvalidConfig, c.EvalBatchSize)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("%w: warmup steps %d", ErrInvalidConfig, c.WarmupSteps)
	}
	if c.EvalInterval <= 0 {
		return fmt.Errorf("%w: eval interval %d", ErrInvalidConfig, c.EvalInterval)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("%w: checkpoint interval %d", ErrInvalidConfig, c.CheckpointInterval)
	}
	if c.Dataset == "" {
		return fmt.Errorf("%w: empty dataset", ErrInvalidConfig)
	}
	if c.RunName == "" {
		return fmt.Errorf("%w: empty run name", ErrInvalidConfig)
	}
	return nil
}

// MicroBatchSize is the per-forward-pass batch, capped by MaxDeviceBatch.
func (c TrainConfig) MicroBatchSize() int {
	if c.BatchSize > c.MaxDeviceBatch {
		return c.MaxDeviceBatch
	}
	return c.BatchSize
}

// AccumSteps is the number of micro-batches folded into one optimizer step.
func (c TrainConfig) AccumSteps() int {
	if c.BatchSize > c.MaxDeviceBatch {
		return c.BatchSize / c.MaxDeviceBatch
	}
	return 1
}

// RunDir is the run's checkpoint root:
// {base}/mt/{dataset}/{model_name}/{run_name}.
func (c TrainConfig) RunDir(modelName string) string {
	return filepath.Join(c.BaseDir, "mt", c.Dataset, modelName, c.RunName)
}

// CheckpointDir is the directory for one saved step.
func (c TrainConfig) CheckpointDir(modelName string, step int) string {
	return filepath.Join(c.RunDir(modelName), fmt.Sprintf("checkpoint_%d", step))
}

// AdamW is Adam with decoupled weight decay. One moment pair per parameter
// tensor, index-aligned with the parameter slice handed to NewAdamW.
type AdamW struct {
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	t int // completed steps, drives bias correction
	m []*Tensor
	v []*Tensor
}

// NewAdamW allocates zeroed optimizer state for the given parameters.
func NewAdamW(params []*Tensor, weightDecay float64) *AdamW {
	opt := &AdamW{
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make([]*Tensor, len(params)),
		v:           make([]*Tensor, len(params)),
	}
	for i, p := range params {
		opt.m[i] = NewTensor(p.shape...)
		opt.v[i] = NewTensor(p.shape...)
	}
	return opt
}

// Step applies one update at the given learning rate. Weight decay is
// decoupled: it scales the parameter directly instead of entering the
// moment estimates.
func (opt *AdamW) Step(params []*Tensor, lr float64) {
	opt.t++
	correction1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	correction2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m := opt.m[i].data
		v := opt.v[i].data
		for j, g := range p.grad {
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*g*g

			mHat := m[j] / correction1
			vHat := v[j] / correction2

			p.data[j] -= lr * (mHat/(math.Sqrt(vHat)+opt.eps) + opt.weightDecay*p.data[j])
		}
	}
}

// ZeroGrad clears every parameter gradient.
func (opt *AdamW) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler produces the linear-warmup, cosine-decay schedule: the rate
// climbs to the base over warmupSteps optimizer steps, then follows a half
// cosine down to zero at totalSteps.
type LRScheduler struct {
	baseLR      float64
	warmupSteps int
	totalSteps  int
	step        int
}

// NewLRScheduler builds the schedule for a run of totalSteps optimizer steps.
func NewLRScheduler(baseLR float64, warmupSteps, totalSteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

// LR returns the rate for the upcoming optimizer step.
func (s *LRScheduler) LR() float64 {
	if s.warmupSteps > 0 && s.step < s.warmupSteps {
		return s.baseLR * float64(s.step+1) / float64(s.warmupSteps)
	}
	if s.step >= s.totalSteps {
		return 0
	}
	progress := float64(s.step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	return s.baseLR * 0.5 * (1.0 + math.Cos(math.Pi*progress))
}

// Step advances the schedule by one optimizer step.
func (s *LRScheduler) Step() {
	s.step++
}

// CrossEntropyLoss computes the mean negative log-likelihood over the valid
// positions of one sequence. logits is (T, V), targets has length T, mask
// marks which positions count (0 = padding). Returns 0 when nothing is
// valid.
func CrossEntropyLoss(logits *Tensor, targets []int, mask []byte) float64 {
	seqLen, vocabSize := logits.shape[0], logits.shape[1]

	total := 0.0
	valid := 0
	for i := 0; i < seqLen; i++ {
		if mask != nil && mask[i] == 0 {
			continue
		}
		row := logits.data[i*vocabSize : (i+1)*vocabSize]

		// log-softmax, max-subtracted for stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxVal)
		}

		total += math.Log(sumExp) - (row[targets[i]] - maxVal)
		valid++
	}

	if valid == 0 {
		return 0
	}
	return total / float64(valid)
}

// Perplexity is exp(loss). Losses large enough to overflow report +Inf
// rather than an error; callers log it as-is.
func Perplexity(loss float64) float64 {
	p := math.Exp(loss)
	if math.IsInf(p, 1) {
		return math.Inf(1)
	}
	return p
}

// TrainResult summarizes a finished run for the caller (and the sweep
// driver, which ranks runs by ValidLoss).
type TrainResult struct {
	ValidLoss       float64
	ValidPerplexity float64
	Steps           int // micro-batch steps
	OptimizerSteps  int
	FinalCheckpoint string
}

// Train runs the full loop: per-epoch shuffled micro-batches, gradient
// accumulation up to the effective batch size, warmup-cosine learning rate,
// periodic validation and checkpointing, and a final checkpoint at the last
// step. The step used for logging and cadence counts micro-batches.
func Train(sess *Session, model *LM, trainData, validData *Dataset, cfg TrainConfig) (*TrainResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trainData.Len() == 0 {
		return nil, fmt.Errorf("%w: empty train split", ErrDatasetNotFound)
	}

	params := model.Parameters()
	opt := NewAdamW(params, cfg.WeightDecay)

	micro := cfg.MicroBatchSize()
	accum := cfg.AccumSteps()
	microPerEpoch := (trainData.Len() + micro - 1) / micro
	optimPerEpoch := (microPerEpoch + accum - 1) / accum
	sched := NewLRScheduler(cfg.LR, cfg.WarmupSteps, cfg.NumEpochs*optimPerEpoch)

	modelName := model.Config().ModelName()

	if err := sess.Tracker.LogConfig(map[string]any{
		"train": cfg,
		"model": model.Config(),
	}); err != nil {
		return nil, err
	}

	sess.Logger.Info("training",
		"model", modelName,
		"parameters", model.NumParameters(),
		"sequences", trainData.Len(),
		"micro_batch", micro,
		"accum_steps", accum,
		"optimizer_steps", cfg.NumEpochs*optimPerEpoch)

	step := 0       // micro-batches seen
	optimSteps := 0 // optimizer updates applied
	dataCount := 0  // sequences seen
	pending := 0    // micro-batches since the last update

	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		for _, batch := range trainData.Batches(micro, true, sess.RNG) {
			loss := trainMicroBatch(model, batch, float64(accum), sess.RNG)

			step++
			pending++
			dataCount += batch.Size()

			if pending == accum {
				opt.Step(params, sched.LR())
				opt.ZeroGrad(params)
				sched.Step()
				optimSteps++
				pending = 0
			}

			sess.Tracker.Log("train/train_loss", loss, step)
			sess.Tracker.Log("train/epoch", float64(step)/float64(microPerEpoch), step)
			sess.Tracker.Log("train/data_count", float64(dataCount), step)
			sess.Tracker.Log("train/learning_rate", sched.LR(), step)

			if step%cfg.EvalInterval == 0 {
				vloss, vppl := Evaluate(sess, model, validData, cfg.EvalBatchSize)
				sess.Tracker.Log("validation/valid_loss", vloss, step)
				sess.Tracker.Log("validation/valid_ppl", vppl, step)
				sess.Logger.Info("validation",
					"step", step, "loss", vloss, "perplexity", vppl)
			}

			if cfg.CheckpointInterval > 0 && step%cfg.CheckpointInterval == 0 {
				dir := cfg.CheckpointDir(modelName, step)
				if err := SaveCheckpoint(dir, model, opt, sched, epoch, step); err != nil {
					return nil, err
				}
				sess.Logger.Info("checkpoint", "dir", dir)
			}
		}

		// An epoch whose length is not a multiple of the accumulation
		// window still flushes its tail gradients.
		if pending > 0 {
			opt.Step(params, sched.LR())
			opt.ZeroGrad(params)
			sched.Step()
			optimSteps++
			pending = 0
		}
	}

	vloss, vppl := Evaluate(sess, model, validData, cfg.EvalBatchSize)
	if step%cfg.EvalInterval != 0 {
		sess.Tracker.Log("validation/valid_loss", vloss, step)
		sess.Tracker.Log("validation/valid_ppl", vppl, step)
	}
	sess.Logger.Info("final validation", "loss", vloss, "perplexity", vppl)

	finalDir := cfg.CheckpointDir(modelName, step)
	if err := SaveCheckpoint(finalDir, model, opt, sched, cfg.NumEpochs, step); err != nil {
		return nil, err
	}
	sess.Logger.Info("final checkpoint", "dir", finalDir)

	return &TrainResult{
		ValidLoss:       vloss,
		ValidPerplexity: vppl,
		Steps:           step,
		OptimizerSteps:  optimSteps,
		FinalCheckpoint: finalDir,
	}, nil
}

// trainMicroBatch forwards and backwards every sequence of one micro-batch
// and returns the batch's mean loss. Gradients are scaled so that after
// accumSteps micro-batches they equal the gradient of the mean loss over the
// effective batch.
func trainMicroBatch(model *LM, batch Batch, accumSteps float64, rng *rand.Rand) float64 {
	total := 0.0
	n := 0

	for i := range batch.Input {
		tokens := batch.Input[i]
		if len(tokens) < 2 {
			continue
		}
		input := tokens[:len(tokens)-1]
		targets := tokens[1:]
		mask := batch.Mask[i][1:]

		logits, cache := model.ForwardWithCache(input, rng)
		total += CrossEntropyLoss(logits, targets, mask)
		n++

		gradLogits := CrossEntropyBackward(logits, targets, mask, float64(batch.Size())*accumSteps)
		model.Backward(gradLogits, cache)
	}

	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Evaluate computes the mean loss and perplexity over a split. Batches run
// in parallel: evaluation only reads the parameters, so the forward passes
// are safe to spread across the session's workers.
func Evaluate(sess *Session, model *LM, data *Dataset, batchSize int) (loss, perplexity float64) {
	batches := data.Batches(batchSize, false, nil)

	sums := make([]float64, len(batches))
	counts := make([]int, len(batches))

	var g errgroup.Group
	g.SetLimit(sess.Workers)
	for bi, batch := range batches {
		bi, batch := bi, batch
		g.Go(func() error {
			for i := range batch.Input {
				tokens := batch.Input[i]
				if len(tokens) < 2 {
					continue
				}
				logits := model.Forward(tokens[:len(tokens)-1])
				sums[bi] += CrossEntropyLoss(logits, tokens[1:], batch.Mask[i][1:])
				counts[bi]++
			}
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	total := 0.0
	n := 0
	for bi := range sums {
		total += sums[bi]
		n += counts[bi]
	}
	if n == 0 {
		return 0, 1
	}

	mean := total / float64(n)
	return mean, Perplexity(mean)
}
