package main

import (
	"math/rand"
	"runtime"

	"github.com/charmbracelet/log"
)

// Session is the explicit per-run context: seeded rng, console logger,
// metric tracker, and the parallelism knobs the loop uses. It is
// constructed once at run start and threaded through every component —
// nothing reads it as ambient state.
type Session struct {
	Logger  *log.Logger
	Tracker *Tracker

	Seed int64
	RNG  *rand.Rand

	// Workers bounds the goroutines used for read-only parallel work
	// (shard loading, validation batches). Gradient state is only ever
	// touched by the loop goroutine itself.
	Workers int
}

// NewSession seeds the run. workers <= 0 means one per CPU.
func NewSession(seed int64, workers int, logger *log.Logger, tracker *Tracker) *Session {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Session{
		Logger:  logger,
		Tracker: tracker,
		Seed:    seed,
		RNG:     rand.New(rand.NewSource(seed)),
		Workers: workers,
	}
}
