package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Sweep goal directions.
const (
	GoalMinimize = "minimize"
	GoalMaximize = "maximize"
)

// SweepConfig is the YAML description of a grid sweep: the metric to rank
// runs by and the hyperparameter axes to enumerate. Only grid search is
// supported.
type SweepConfig struct {
	Method string      `yaml:"method"`
	Name   string      `yaml:"name"`
	Metric SweepMetric `yaml:"metric"`

	Parameters struct {
		NumLayers  SweepValues `yaml:"n_layer"`
		Bottleneck SweepValues `yaml:"bottleneck"`
		RandomSeed SweepValues `yaml:"random_seed"`
	} `yaml:"parameters"`
}

// SweepMetric names the ranking metric and its direction.
type SweepMetric struct {
	Name string `yaml:"name"`
	Goal string `yaml:"goal"`
}

// SweepValues is one enumerated axis.
type SweepValues struct {
	Values []int `yaml:"values"`
}

// LoadSweepConfig reads and validates a sweep file.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sweep: read %s: %w", path, err)
	}

	var sc SweepConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("sweep: parse %s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate fails fast on sweep files the driver cannot execute.
func (sc *SweepConfig) Validate() error {
	if sc.Method != "grid" {
		return fmt.Errorf("%w: sweep method %q (only grid)", ErrInvalidConfig, sc.Method)
	}
	switch sc.Metric.Goal {
	case GoalMinimize, GoalMaximize:
	default:
		return fmt.Errorf("%w: sweep goal %q", ErrInvalidConfig, sc.Metric.Goal)
	}
	if len(sc.Parameters.NumLayers.Values) == 0 {
		return fmt.Errorf("%w: sweep has no n_layer values", ErrInvalidConfig)
	}
	if len(sc.Parameters.Bottleneck.Values) == 0 {
		return fmt.Errorf("%w: sweep has no bottleneck values", ErrInvalidConfig)
	}
	return nil
}

// SweepPoint is one grid cell.
type SweepPoint struct {
	NumLayers  int
	Bottleneck int
	Seed       int64
}

// Grid enumerates every combination in deterministic order: layers outer,
// bottleneck middle, seed inner. A sweep without seeds runs each cell once
// with the default seed.
func (sc *SweepConfig) Grid() []SweepPoint {
	seeds := sc.Parameters.RandomSeed.Values
	if len(seeds) == 0 {
		seeds = []int{int(DefaultTrainConfig().Seed)}
	}

	var points []SweepPoint
	for _, nl := range sc.Parameters.NumLayers.Values {
		for _, b := range sc.Parameters.Bottleneck.Values {
			for _, s := range seeds {
				points = append(points, SweepPoint{NumLayers: nl, Bottleneck: b, Seed: int64(s)})
			}
		}
	}
	return points
}

// SweepRun pairs a grid cell with its finished result.
type SweepRun struct {
	Point  SweepPoint
	Result *TrainResult
}

// SweepDriver runs every grid cell as an independent training run. The
// model axes the sweep does not vary are fixed here; data loads once and is
// shared across runs.
type SweepDriver struct {
	Base TrainConfig

	VocabSize  int
	MasterDim  int
	NumHeads   int
	Dropout    float64
	ContextLen int

	Workers int
	Logger  *log.Logger
}

// Run executes the sweep and returns every run plus the best one by the
// sweep metric. A failed run aborts the sweep; the completed runs' trackers
// are already flushed to disk.
func (d *SweepDriver) Run(sc *SweepConfig) ([]SweepRun, *SweepRun, error) {
	points := sc.Grid()
	d.Logger.Info("sweep", "name", sc.Name, "runs", len(points))

	trainData, validData, err := LoadDataset(d.Base.BaseDir, d.Base.Dataset, d.ContextLen)
	if err != nil {
		return nil, nil, err
	}

	runs := make([]SweepRun, 0, len(points))
	for i, p := range points {
		cfg := d.Base
		cfg.Seed = p.Seed
		cfg.RunName = fmt.Sprintf("%s_seed_%d", d.Base.RunName, p.Seed)

		mcfg := NewModelConfig(d.VocabSize, d.MasterDim, p.Bottleneck,
			p.NumLayers, d.NumHeads, d.Dropout, d.ContextLen)

		d.Logger.Info("sweep run",
			"index", i+1, "of", len(points),
			"n_layer", p.NumLayers, "bottleneck", p.Bottleneck, "seed", p.Seed)

		result, err := d.runPoint(cfg, mcfg, trainData, validData)
		if err != nil {
			return runs, nil, fmt.Errorf("sweep: run %d (%s): %w", i+1, mcfg.ModelName(), err)
		}
		runs = append(runs, SweepRun{Point: p, Result: result})
	}

	best := bestRun(runs, sc.Metric.Goal)
	if best != nil {
		d.Logger.Info("sweep best",
			"n_layer", best.Point.NumLayers,
			"bottleneck", best.Point.Bottleneck,
			"seed", best.Point.Seed,
			"valid_loss", best.Result.ValidLoss,
			"valid_ppl", best.Result.ValidPerplexity)
	}
	return runs, best, nil
}

func (d *SweepDriver) runPoint(cfg TrainConfig, mcfg ModelConfig, trainData, validData *Dataset) (*TrainResult, error) {
	tracker, err := NewTracker(cfg.RunDir(mcfg.ModelName()), d.Logger)
	if err != nil {
		return nil, err
	}

	sess := NewSession(cfg.Seed, d.Workers, d.Logger, tracker)
	model, err := NewLM(mcfg, sess.RNG)
	if err != nil {
		tracker.Close()
		return nil, err
	}

	result, err := Train(sess, model, trainData, validData, cfg)
	if cerr := tracker.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// bestRun ranks finished runs by validation loss in the goal's direction.
func bestRun(runs []SweepRun, goal string) *SweepRun {
	var best *SweepRun
	for i := range runs {
		r := &runs[i]
		if best == nil {
			best = r
			continue
		}
		if goal == GoalMaximize {
			if r.Result.ValidLoss > best.Result.ValidLoss {
				best = r
			}
		} else if r.Result.ValidLoss < best.Result.ValidLoss {
			best = r
		}
	}
	return best
}
