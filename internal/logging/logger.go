// Package logging provides category-tagged loggers for the pipeline plus the
// append-only self-correction audit sink. Categories keep one subsystem's
// noise separable from another's when reviewing a run.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category tags a logger with the subsystem it serves.
type Category string

const (
	CategoryPipeline   Category = "pipeline"   // orchestrator sequencing
	CategoryEvidence   Category = "evidence"   // verifier strips and repairs
	CategoryDerive     Category = "derive"     // rule-unit warnings
	CategoryAudit      Category = "audit"      // comparator buckets and diffs
	CategoryCorrection Category = "correction" // controller state transitions
	CategoryClients    Category = "clients"    // external service calls
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
)

// Initialize installs the process logger. Debug switches to the development
// encoder with debug level; production JSON otherwise. Call once at startup;
// before Initialize every category logger is a no-op.
func Initialize(debug bool) error {
	var logger *zap.Logger
	var err error
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err = cfg.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// SetLogger replaces the root logger; tests use this to capture output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	mu.Unlock()
}

// Get returns a sugared logger tagged with the category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sugar().With("category", string(c))
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
