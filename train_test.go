package main

import (
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRSchedulerWarmup(t *testing.T) {
	sched := NewLRScheduler(1.0, 4, 20)

	// Linear climb over the warmup steps.
	want := []float64{0.25, 0.5, 0.75, 1.0}
	for _, w := range want {
		assert.InDelta(t, w, sched.LR(), 1e-12)
		sched.Step()
	}
}

func TestLRSchedulerCosineDecaysToZero(t *testing.T) {
	sched := NewLRScheduler(1.0, 2, 10)
	for i := 0; i < 2; i++ {
		sched.Step()
	}

	prev := math.Inf(1)
	for i := 2; i < 10; i++ {
		lr := sched.LR()
		assert.Less(t, lr, prev+1e-12, "cosine phase must be non-increasing")
		prev = lr
		sched.Step()
	}
	assert.InDelta(t, 0.0, sched.LR(), 1e-9)
}

func TestLRSchedulerMidpoint(t *testing.T) {
	sched := NewLRScheduler(2.0, 0, 10)
	for i := 0; i < 5; i++ {
		sched.Step()
	}
	// Halfway through the cosine, the rate is half the base.
	assert.InDelta(t, 1.0, sched.LR(), 1e-9)
}

func TestAdamWStepsAgainstGradient(t *testing.T) {
	p := NewTensor(2)
	p.data = []float64{1.0, -1.0}
	p.grad = []float64{1.0, -1.0}
	params := []*Tensor{p}

	opt := NewAdamW(params, 0)
	opt.Step(params, 0.1)

	assert.Less(t, p.data[0], 1.0)
	assert.Greater(t, p.data[1], -1.0)
	assert.Equal(t, 1, opt.t)
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	p := NewTensor(1)
	p.data[0] = 2.0
	// Zero gradient: only the decay term moves the weight.
	params := []*Tensor{p}

	opt := NewAdamW(params, 0.1)
	opt.Step(params, 0.5)

	assert.InDelta(t, 2.0-0.5*0.1*2.0, p.data[0], 1e-12)
}

func TestAdamWZeroGrad(t *testing.T) {
	p := NewTensor(3)
	p.grad = []float64{1, 2, 3}
	opt := NewAdamW([]*Tensor{p}, 0)

	opt.ZeroGrad([]*Tensor{p})
	for _, g := range p.grad {
		assert.Zero(t, g)
	}
}

func TestCrossEntropyLossUniformLogits(t *testing.T) {
	logits := NewTensor(3, 8) // all-zero rows are uniform distributions

	loss := CrossEntropyLoss(logits, []int{0, 3, 7}, nil)
	assert.InDelta(t, math.Log(8), loss, 1e-9)
}

func TestCrossEntropyLossIgnoresMaskedPositions(t *testing.T) {
	logits := NewTensor(2, 4)
	// Make position 1 wildly wrong; it is masked out.
	logits.Set(100, 1, 0)

	masked := CrossEntropyLoss(logits, []int{0, 3}, []byte{1, 0})
	assert.InDelta(t, math.Log(4), masked, 1e-9)
}

func TestCrossEntropyLossAllMasked(t *testing.T) {
	logits := NewTensor(2, 4)
	assert.Zero(t, CrossEntropyLoss(logits, []int{0, 1}, []byte{0, 0}))
}

func TestPerplexity(t *testing.T) {
	assert.InDelta(t, 1.0, Perplexity(0), 1e-12)
	assert.InDelta(t, math.E, Perplexity(1), 1e-12)
	assert.True(t, math.IsInf(Perplexity(1e6), 1), "overflowing loss must report +Inf")
}

func testSession(t *testing.T, seed int64) *Session {
	t.Helper()
	logger := log.New(io.Discard)
	tracker, err := NewTracker(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() })
	return NewSession(seed, 2, logger, tracker)
}

func syntheticDataset(n, contextLen, vocab int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &Dataset{ContextLen: contextLen}
	for i := 0; i < n; i++ {
		tokens := make([]int, contextLen)
		mask := make([]byte, contextLen)
		for j := range tokens {
			tokens[j] = rng.Intn(vocab)
			mask[j] = 1
		}
		ds.Sequences = append(ds.Sequences, Sequence{Tokens: tokens, Mask: mask})
	}
	return ds
}

func TestEvaluateIsDeterministic(t *testing.T) {
	sess := testSession(t, 1)
	model, err := NewLM(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	data := syntheticDataset(9, 8, 32, 2)

	l1, p1 := Evaluate(sess, model, data, 4)
	l2, p2 := Evaluate(sess, model, data, 4)

	assert.Equal(t, l1, l2)
	assert.Equal(t, p1, p2)
	assert.False(t, math.IsNaN(l1))
	assert.InDelta(t, math.Exp(l1), p1, 1e-9)
}

func TestEvaluateBatchSizeDoesNotChangeResult(t *testing.T) {
	sess := testSession(t, 1)
	model, err := NewLM(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	data := syntheticDataset(8, 8, 32, 3)

	l1, _ := Evaluate(sess, model, data, 2)
	l2, _ := Evaluate(sess, model, data, 8)

	assert.InDelta(t, l1, l2, 1e-9)
}

// Ten micro-batches under a 2x accumulation window: the loop must apply
// exactly five optimizer steps and write exactly one final checkpoint.
func TestTrainAccumulationAndFinalCheckpoint(t *testing.T) {
	sess := testSession(t, 7)

	model, err := NewLM(NewModelConfig(32, 64, 64, 2, 8, 0, 8), sess.RNG)
	require.NoError(t, err)

	cfg := DefaultTrainConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Dataset = "synthetic"
	cfg.RunName = "test"
	cfg.NumEpochs = 1
	cfg.BatchSize = 2
	cfg.MaxDeviceBatch = 1 // micro-batch 1, accumulate 2
	cfg.EvalBatchSize = 4
	cfg.EvalInterval = 4
	cfg.CheckpointInterval = 0 // final only
	cfg.WarmupSteps = 2

	trainData := syntheticDataset(10, 8, 32, 11)
	validData := syntheticDataset(4, 8, 32, 12)

	result, err := Train(sess, model, trainData, validData, cfg)
	require.NoError(t, err)

	assert.Equal(t, 10, result.Steps)
	assert.Equal(t, 5, result.OptimizerSteps)
	assert.False(t, math.IsNaN(result.ValidLoss))
	assert.InDelta(t, math.Exp(result.ValidLoss), result.ValidPerplexity, 1e-9)

	// One checkpoint, at the final step, holding both files.
	runDir := cfg.RunDir(model.Config().ModelName())
	entries, err := os.ReadDir(runDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint_10", entries[0].Name())

	assert.FileExists(t, filepath.Join(result.FinalCheckpoint, modelFile))
	assert.FileExists(t, filepath.Join(result.FinalCheckpoint, statesFile))
}

func TestTrainPeriodicCheckpoints(t *testing.T) {
	sess := testSession(t, 3)
	model, err := NewLM(tinyConfig(), sess.RNG)
	require.NoError(t, err)

	cfg := DefaultTrainConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Dataset = "synthetic"
	cfg.RunName = "test"
	cfg.NumEpochs = 1
	cfg.BatchSize = 2
	cfg.MaxDeviceBatch = 2
	cfg.EvalBatchSize = 4
	cfg.EvalInterval = 2
	cfg.CheckpointInterval = 2
	cfg.WarmupSteps = 1

	trainData := syntheticDataset(6, 8, 32, 21) // 3 micro-batches
	validData := syntheticDataset(2, 8, 32, 22)

	result, err := Train(sess, model, trainData, validData, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Steps)

	runDir := cfg.RunDir(model.Config().ModelName())
	assert.DirExists(t, filepath.Join(runDir, "checkpoint_2"))
	assert.DirExists(t, filepath.Join(runDir, "checkpoint_3"))
}

func TestTrainRejectsInvalidConfig(t *testing.T) {
	sess := testSession(t, 1)
	model, err := NewLM(tinyConfig(), sess.RNG)
	require.NoError(t, err)

	cfg := DefaultTrainConfig()
	cfg.LR = 0

	_, err = Train(sess, model, syntheticDataset(2, 8, 32, 1), syntheticDataset(2, 8, 32, 2), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTrainMicroBatchSkipsFullyPaddedSequences(t *testing.T) {
	model, err := NewLM(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	batch := Batch{
		Input: [][]int{{1, 2, 3, 4}},
		Mask:  [][]byte{{1, 0, 0, 0}}, // every target position masked
	}
	loss := trainMicroBatch(model, batch, 1, rand.New(rand.NewSource(2)))

	assert.Zero(t, loss)
	for _, p := range model.Parameters() {
		for _, g := range p.grad {
			assert.Zero(t, g)
		}
	}
}
