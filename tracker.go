package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Tracker is the run-scoped metric sink: one per training run, initialized
// once, receiving the run configuration up front and named scalar metrics
// keyed by step afterwards. Metrics persist as JSONL in the run directory
// and mirror to the console logger.
//
// Steps must arrive in non-decreasing order overall and strictly increasing
// order per metric name; violations are programmer errors and panic.
type Tracker struct {
	RunID string

	dir     string
	file    *os.File
	writer  *bufio.Writer
	logger  *log.Logger
	lastAny int
	lastPer map[string]int
}

// metricRecord is one JSONL line in metrics.jsonl.
type metricRecord struct {
	Step  int     `json:"step"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Time  string  `json:"time"`
}

// NewTracker creates the run directory and opens the metric log.
func NewTracker(dir string, logger *log.Logger) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tracker: create run dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "metrics.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("tracker: open metric log: %w", err)
	}

	return &Tracker{
		RunID:   uuid.New().String(),
		dir:     dir,
		file:    f,
		writer:  bufio.NewWriter(f),
		logger:  logger,
		lastAny: -1,
		lastPer: make(map[string]int),
	}, nil
}

// LogConfig persists the run configuration once, at run start.
func (t *Tracker) LogConfig(cfg any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("tracker: marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(t.dir, "config.json"), data, 0o644)
}

// Log records one named scalar keyed by step.
func (t *Tracker) Log(name string, value float64, step int) {
	if step < t.lastAny {
		panic(fmt.Sprintf("tracker: step %d after step %d", step, t.lastAny))
	}
	if last, ok := t.lastPer[name]; ok && step <= last {
		panic(fmt.Sprintf("tracker: metric %q step %d not after %d", name, step, last))
	}
	t.lastAny = step
	t.lastPer[name] = step

	rec := metricRecord{
		Step:  step,
		Name:  name,
		Value: value,
		Time:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("tracker: marshal metric: %v", err))
	}
	t.writer.Write(line)
	t.writer.WriteByte('\n')
}

// Dir returns the run directory.
func (t *Tracker) Dir() string {
	return t.dir
}

// Close flushes and closes the metric log. Call once, at run end.
func (t *Tracker) Close() error {
	if err := t.writer.Flush(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
