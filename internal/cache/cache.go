// SPDX-License-Identifier: MIT

// Package cache persists the set of already-published records per account so
// a resumed import does not re-enumerate the remote repository.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/scrobsky/scrobsky/internal/log"
	"github.com/scrobsky/scrobsky/internal/metrics"
)

// Version invalidates older cache files when the layout changes.
const Version = 1

// DefaultTTL is the default cache validity window.
const DefaultTTL = 24 * time.Hour

// RemoteHandle points at a published record in the remote repository.
type RemoteHandle struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value,omitempty"`
}

type cacheFile struct {
	Version   int                     `json:"version"`
	AccountID string                  `json:"accountId"`
	WrittenAt time.Time               `json:"writtenAt"`
	Records   map[string]RemoteHandle `json:"records"`
}

// Store reads and writes per-account cache files under a directory.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the cache validity window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithNow injects the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a cache store rooted at dir.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SanitizeAccountID maps an account identifier onto a safe file stem:
// [A-Za-z0-9.-] kept, everything else replaced with underscore.
func SanitizeAccountID(accountID string) string {
	var b strings.Builder
	b.Grow(len(accountID))
	for _, r := range accountID {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *Store) path(accountID string) string {
	return filepath.Join(s.dir, SanitizeAccountID(accountID)+".json")
}

// Load returns the cached record map for the account, or ok=false if the
// file is missing, version-mismatched, account-mismatched, or stale.
func (s *Store) Load(accountID string) (map[string]RemoteHandle, bool, error) {
	logger := log.WithComponent("cache")

	data, err := os.ReadFile(s.path(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.RecordCacheEvent("miss")
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read cache for %s: %w", accountID, err)
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		logger.Warn().
			Str("event", "cache.corrupt").
			Str("account", accountID).
			Msg("cache file unreadable, treating as miss")
		metrics.RecordCacheEvent("miss")
		return nil, false, nil
	}

	switch {
	case cf.Version != Version:
		logger.Info().
			Str("event", "cache.version_mismatch").
			Int("found", cf.Version).
			Int("want", Version).
			Msg("cache file from different schema version")
		metrics.RecordCacheEvent("stale")
		return nil, false, nil
	case cf.AccountID != accountID:
		logger.Warn().
			Str("event", "cache.account_mismatch").
			Str("account", accountID).
			Msg("cache file belongs to a different account")
		metrics.RecordCacheEvent("stale")
		return nil, false, nil
	case s.now().Sub(cf.WrittenAt) > s.ttl:
		logger.Info().
			Str("event", "cache.expired").
			Time("written_at", cf.WrittenAt).
			Msg("cache file older than TTL")
		metrics.RecordCacheEvent("stale")
		return nil, false, nil
	}

	if cf.Records == nil {
		cf.Records = map[string]RemoteHandle{}
	}
	metrics.RecordCacheEvent("hit")
	return cf.Records, true, nil
}

// Save writes the record map atomically.
func (s *Store) Save(accountID string, recs map[string]RemoteHandle) error {
	cf := cacheFile{
		Version:   Version,
		AccountID: accountID,
		WrittenAt: s.now().UTC(),
		Records:   recs,
	}
	data, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("marshal cache for %s: %w", accountID, err)
	}
	if err := renameio.WriteFile(s.path(accountID), data, 0o600); err != nil {
		return fmt.Errorf("write cache for %s: %w", accountID, err)
	}
	metrics.RecordCacheEvent("saved")
	return nil
}

// Invalidate deletes the account's cache file.
func (s *Store) Invalidate(accountID string) error {
	err := os.Remove(s.path(accountID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("invalidate cache for %s: %w", accountID, err)
	}
	metrics.RecordCacheEvent("invalidated")
	return nil
}
