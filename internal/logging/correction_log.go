package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// CorrectionEntry is one accepted self-correction, recorded for offline
// review. The pipeline writes these on ACCEPT transitions only and never
// reads them back.
type CorrectionEntry struct {
	ID             string    `json:"id"`
	NoteHash       string    `json:"note_hash"`
	Timestamp      time.Time `json:"ts"`
	TargetCode     string    `json:"target_code"`
	TriggerBucket  string    `json:"trigger_bucket"`
	MLProbability  float64   `json:"ml_probability"`
	AppliedPaths   []string  `json:"applied_paths"`
	EvidenceQuote  string    `json:"evidence_quote"`
	CodesBefore    []string  `json:"codes_before"`
	CodesAfter     []string  `json:"codes_after"`
	JudgeRationale string    `json:"judge_rationale,omitempty"`
}

// CorrectionLog is an append-only, line-delimited JSON sink.
type CorrectionLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenCorrectionLog opens (creating if needed) the audit file in append mode.
func OpenCorrectionLog(path string) (*CorrectionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open correction log: %w", err)
	}
	return &CorrectionLog{file: f}, nil
}

// Append writes one entry as a single JSON line.
func (l *CorrectionLog) Append(e CorrectionEntry) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal correction entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("correction log closed")
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append correction entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *CorrectionLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
