// Package storage persists broker session tokens across restarts so the
// service can resume a live session instead of logging in on every boot.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/raj577/DeltaDeck/internal/broker"
)

// SessionCache stores the broker session as a JSON file on disk. It
// implements broker.SessionStore.
type SessionCache struct {
	mu       sync.Mutex
	filepath string
}

var _ broker.SessionStore = (*SessionCache)(nil)

// NewSessionCache creates a session cache backed by the given file path,
// creating the parent directory if needed.
func NewSessionCache(path string) (*SessionCache, error) {
	if path == "" {
		return nil, fmt.Errorf("session cache path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating session cache dir: %w", err)
		}
	}
	return &SessionCache{filepath: path}, nil
}

// LoadSession reads the cached session. A missing file yields a zero session
// and no error.
func (c *SessionCache) LoadSession() (broker.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filepath)
	if errors.Is(err, fs.ErrNotExist) {
		return broker.Session{}, nil
	}
	if err != nil {
		return broker.Session{}, fmt.Errorf("reading session cache: %w", err)
	}

	var sess broker.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return broker.Session{}, fmt.Errorf("parsing session cache: %w", err)
	}
	return sess, nil
}

// SaveSession writes the session to disk. Tokens are written with owner-only
// permissions.
func (c *SessionCache) SaveSession(sess broker.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := c.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, c.filepath)
}

// ClearSession removes the cached session file. Clearing an absent cache is
// not an error.
func (c *SessionCache) ClearSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.filepath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing session cache: %w", err)
	}
	return nil
}
