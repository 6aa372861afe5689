// Package store implements SessionStore (spec §4.1): the in-memory registry
// of live sessions keyed by session id and issue id, with a per-session
// ordered persistence queue flushing to an injected Storage collaborator.
//
// Concurrency shape follows the teacher's pkg/session/manager.go (a single
// RWMutex guarding a map), generalized with the copy-on-write Update and the
// per-session persistence queue spec §4.1 requires.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/errkind"
	"github.com/relaycore/sessioncore/pkg/model"
)

// ErrNotFound is returned by Get/GetByIssue/Update when no such session
// exists.
var ErrNotFound = fmt.Errorf("session: not found")

// ErrAlreadyExists is returned by InsertIfAbsent when the issue already has
// a live session (spec invariant P1: at most one live session per issue).
var ErrAlreadyExists = fmt.Errorf("session: issue already has a live session")

// Storage is the external SessionStorage contract from spec §6. The
// concrete encoding (file, Postgres, ...) lives outside this package.
type Storage interface {
	Persist(ctx context.Context, snapshot *model.Session) error
	Load(ctx context.Context, sessionID string) (*model.Session, error)
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, sessionID string) error
}

// Store is the in-memory session registry plus persistence dispatch.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*model.Session
	byIssue     map[string]string // issueID -> sessionID

	storage Storage
	cfg     config.StoreConfig

	queueMu sync.Mutex
	queues  map[string]*persistQueue
}

// New creates a Store backed by storage (never nil — use memstorage.New()
// for tests/demos that don't need durability).
func New(storage Storage, cfg config.StoreConfig) *Store {
	return &Store{
		byID:    make(map[string]*model.Session),
		byIssue: make(map[string]string),
		storage: storage,
		cfg:     cfg,
		queues:  make(map[string]*persistQueue),
	}
}

// InsertIfAbsent registers a brand new session. It fails with
// ErrAlreadyExists if the issue already has a live (non-terminal) session,
// enforcing spec invariant P1.
func (s *Store) InsertIfAbsent(sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byIssue[sess.IssueID]; ok {
		if existing, ok := s.byID[existingID]; ok && !existing.State.Terminal() {
			return ErrAlreadyExists
		}
	}

	s.byID[sess.ID] = sess
	s.byIssue[sess.IssueID] = sess.ID
	s.enqueuePersist(sess.Clone())
	return nil
}

// Get returns a deep copy of the session with the given id.
func (s *Store) Get(sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// GetByIssue returns the live session for issueID, if any (spec P1).
func (s *Store) GetByIssue(issueID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIssue[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Update applies fn to the session in place (copy-on-write at the Store
// boundary: fn receives the live pointer, but only the owning supervisor is
// expected to call Update, per spec's single-writer discipline) and enqueues
// the resulting snapshot for persistence.
func (s *Store) Update(sessionID string, fn func(*model.Session)) error {
	s.mu.Lock()
	sess, ok := s.byID[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	snapshot := sess.Clone()
	s.mu.Unlock()

	s.enqueuePersist(snapshot)
	return nil
}

// Remove deletes a session from the registry. The session lifecycle does
// not call it: a session that reaches a terminal state stays registered in
// that state.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	sess, ok := s.byID[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.byID, sessionID)
	if s.byIssue[sess.IssueID] == sessionID {
		delete(s.byIssue, sess.IssueID)
	}
	s.mu.Unlock()
	return nil
}

// Snapshot returns a deep-copied view of every live session, per spec §5's
// "external readers must use Store.snapshot()" rule.
func (s *Store) Snapshot() []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess.Clone())
	}
	return out
}

// CountInStates returns the number of live sessions currently in any of
// the given states.
func (s *Store) CountInStates(states ...model.SessionState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[model.SessionState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	n := 0
	for _, sess := range s.byID {
		if want[sess.State] {
			n++
		}
	}
	return n
}

// persistQueue is a per-session FIFO of pending snapshots, flushed by a
// single goroutine so writes never reorder (spec §4.1: "writes are enqueued
// on a per-session ordered queue and flushed in order").
type persistQueue struct {
	mu      sync.Mutex
	pending []*model.Session
	running bool
}

func (s *Store) enqueuePersist(snapshot *model.Session) {
	s.queueMu.Lock()
	q, ok := s.queues[snapshot.ID]
	if !ok {
		q = &persistQueue{}
		s.queues[snapshot.ID] = q
	}
	s.queueMu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, snapshot)
	alreadyRunning := q.running
	q.running = true
	q.mu.Unlock()

	if !alreadyRunning {
		go s.drainPersistQueue(snapshot.ID, q)
	}
}

func (s *Store) drainPersistQueue(sessionID string, q *persistQueue) {
	log := slog.With("session_id", sessionID)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := s.persistWithRetry(next); err != nil {
			log.Error("persistence failed after retries, dropping snapshot", "error", err)
		}
	}
}

// persistWithRetry retries Storage.Persist up to cfg.PersistRetries times
// with the configured exponential backoff (spec §4.1: 100ms/400ms/1.6s
// defaults), returning errkind.Transient wrapping StorageUnavailable on
// exhaustion.
func (s *Store) persistWithRetry(snapshot *model.Session) error {
	var lastErr error
	attempts := s.cfg.PersistRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.storage.Persist(ctx, snapshot)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < len(s.cfg.PersistBackoff) {
			time.Sleep(s.cfg.PersistBackoff[attempt])
		}
	}
	return errkind.Wrap(errkind.Transient, fmt.Errorf("StorageUnavailable: %w", lastErr))
}
