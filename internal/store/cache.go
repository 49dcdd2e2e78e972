// Package store provides the persistent classifier cache. Classification is
// stateless and side-effect-free, so predictions are cached by note hash:
// the re-audit passes inside a correction loop reuse the first call's result,
// and batch reruns skip the service entirely.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/logging"
)

// NoteHash returns the cache key for a note: hex sha256 of the raw text.
func NoteHash(noteText string) string {
	sum := sha256.Sum256([]byte(noteText))
	return hex.EncodeToString(sum[:])
}

// Cache is a sqlite-backed prediction cache.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if needed) the cache database.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS classifier_cache (
			note_hash  TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Get returns the cached predictions for a note hash, or ok=false on miss.
func (c *Cache) Get(ctx context.Context, noteHash string) ([]auditcmp.CodeScore, bool, error) {
	var payload string
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM classifier_cache WHERE note_hash = ?`, noteHash).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var scores []auditcmp.CodeScore
	if err := json.Unmarshal([]byte(payload), &scores); err != nil {
		return nil, false, fmt.Errorf("cache payload parse: %w", err)
	}
	return scores, true, nil
}

// Put stores predictions for a note hash, replacing any prior entry.
func (c *Cache) Put(ctx context.Context, noteHash string, scores []auditcmp.CodeScore) error {
	payload, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("cache payload marshal: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO classifier_cache (note_hash, payload, created_at) VALUES (?, ?, ?)`,
		noteHash, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// CachedClassifier wraps a classifier with the cache. Cache failures are
// logged and bypassed; the service remains the source of truth.
type CachedClassifier struct {
	inner auditcmp.Classifier
	cache *Cache
}

// NewCachedClassifier wraps inner with cache. A nil cache passes through.
func NewCachedClassifier(inner auditcmp.Classifier, cache *Cache) *CachedClassifier {
	return &CachedClassifier{inner: inner, cache: cache}
}

// Classify serves from cache when possible.
func (c *CachedClassifier) Classify(ctx context.Context, noteText string) ([]auditcmp.CodeScore, error) {
	if c.cache == nil {
		return c.inner.Classify(ctx, noteText)
	}
	hash := NoteHash(noteText)
	if scores, ok, err := c.cache.Get(ctx, hash); err != nil {
		logging.Get(logging.CategoryClients).Debugw("classifier cache read failed", "error", err)
	} else if ok {
		return scores, nil
	}
	scores, err := c.inner.Classify(ctx, noteText)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, hash, scores); err != nil {
		logging.Get(logging.CategoryClients).Debugw("classifier cache write failed", "error", err)
	}
	return scores, nil
}
