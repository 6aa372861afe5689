// Package memstorage is an in-memory Storage fake used by tests and the
// demo entrypoint, mirroring the teacher's in-memory test fakes
// (pkg/mcp/testing.go) rather than anything durable.
package memstorage

import (
	"context"
	"sync"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/store"
)

// Storage implements store.Storage entirely in memory.
type Storage struct {
	mu   sync.Mutex
	data map[string]*model.Session
}

// New creates an empty in-memory Storage.
func New() *Storage {
	return &Storage{data: make(map[string]*model.Session)}
}

func (s *Storage) Persist(_ context.Context, snapshot *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snapshot.ID] = snapshot.Clone()
	return nil
}

func (s *Storage) Load(_ context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Storage) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Storage) Remove(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// PersistCount returns how many distinct sessions have been persisted, for
// test assertions.
func (s *Storage) PersistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
