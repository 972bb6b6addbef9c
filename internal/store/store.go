// Package store provides crash-safe runtime state persistence using JSON
// files.
//
// Two documents live here: the risk day-state (risk_state.json) and the
// symbol blacklist (blacklist.json). Writes use atomic file replacement
// (write to .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. The risk manager saves its day-state on every realized
// PnL change, the orchestrator saves the blacklist on every upsert, and both
// load on startup so a restart keeps the loss budget and the backoff clocks.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	riskStateFile = "risk_state.json"
	blacklistFile = "blacklist.json"
)

// RiskState is the per-UTC-day risk accounting that must survive restarts.
// Day uses YYYY-MM-DD; a loaded state from a previous day is discarded by the
// risk manager's rollover.
type RiskState struct {
	Day              string    `json:"day"`
	DailyRealizedPnl float64   `json:"dailyRealizedPnl"`
	PeakEquity       float64   `json:"peakEquity"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// BlacklistEntry records a symbol's failure streak and when it becomes
// eligible for scanning again.
type BlacklistEntry struct {
	Symbol       string    `json:"symbol"`
	Failures     int       `json:"failures"`
	LastFailedAt time.Time `json:"lastFailedAt"`
	BackoffUntil time.Time `json:"backoffUntil"`
}

// Store persists runtime state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveRiskState atomically persists the risk day-state.
func (s *Store) SaveRiskState(st RiskState) error {
	return s.writeJSON(riskStateFile, st)
}

// LoadRiskState restores the risk day-state from disk.
// Returns nil, nil if nothing has been saved yet (fresh deployment).
func (s *Store) LoadRiskState() (*RiskState, error) {
	var st RiskState
	ok, err := s.readJSON(riskStateFile, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// SaveBlacklist atomically persists the symbol blacklist.
func (s *Store) SaveBlacklist(entries []BlacklistEntry) error {
	return s.writeJSON(blacklistFile, entries)
}

// LoadBlacklist restores the symbol blacklist from disk.
// Returns nil, nil if nothing has been saved yet.
func (s *Store) LoadBlacklist() ([]BlacklistEntry, error) {
	var entries []BlacklistEntry
	ok, err := s.readJSON(blacklistFile, &entries)
	if err != nil || !ok {
		return nil, err
	}
	return entries, nil
}

// writeJSON writes to a .tmp file first, then renames over the target so the
// file is never left in a partial state (crash-safe).
func (s *Store) writeJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON reports (false, nil) when the file does not exist.
func (s *Store) readJSON(name string, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
