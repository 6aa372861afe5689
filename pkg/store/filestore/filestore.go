// Package filestore implements store.Storage on the local filesystem, at
// the layout spec §6 mandates: <home>/sessions/<scope>/<sessionId>.json.
// The write path (temp file + fsync + atomic rename) is grounded on
// goclaw's internal/sessions/manager.go Save()/loadAll(). Of the fields on
// disk, only the envelope's "extra" object is carried over on rewrite;
// other unrecognized fields are dropped.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/store"
)

// Storage persists sessions as one JSON file per session under
// <home>/sessions/<scope>/.
type Storage struct {
	homeDir string
	scope   string
}

// New creates a Storage rooted at homeDir, creating
// <homeDir>/sessions/<scope>/ if it does not yet exist.
func New(homeDir, scope string) (*Storage, error) {
	if scope == "" {
		scope = "default"
	}
	dir := filepath.Join(homeDir, "sessions", scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", dir, err)
	}
	return &Storage{homeDir: homeDir, scope: scope}, nil
}

func (s *Storage) dir() string {
	return filepath.Join(s.homeDir, "sessions", s.scope)
}

func (s *Storage) path(sessionID string) string {
	return filepath.Join(s.dir(), sessionID+".json")
}

// record is the on-disk envelope. Extra is written back unchanged on the
// next persist; nothing in this package fills it, and unrecognized fields
// outside it (top-level or inside "session") are not kept.
type record struct {
	Session model.Session          `json:"session"`
	Extra   map[string]json.RawMessage `json:"extra,omitempty"`
}

// Persist atomically writes snapshot to disk via a temp file + rename,
// carrying over the "extra" object of the file already on disk. Other
// unrecognized fields in that file are not preserved.
func (s *Storage) Persist(_ context.Context, snapshot *model.Session) error {
	existingExtra := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(s.path(snapshot.ID)); err == nil {
		var existing record
		if json.Unmarshal(raw, &existing) == nil {
			existingExtra = existing.Extra
		}
	}

	rec := record{Session: *snapshot, Extra: existingExtra}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", snapshot.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir(), "session-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filestore: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(snapshot.ID)); err != nil {
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// Load reads a single session snapshot back from disk.
func (s *Storage) Load(_ context.Context, sessionID string) (*model.Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("filestore: read %s: %w", sessionID, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal %s: %w", sessionID, err)
	}
	return &rec.Session, nil
}

// List returns every session id with a persisted file in this scope.
func (s *Storage) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", s.dir(), err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	return ids, nil
}

// Remove deletes a session's persisted file, if present.
func (s *Storage) Remove(_ context.Context, sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: remove %s: %w", sessionID, err)
	}
	return nil
}
