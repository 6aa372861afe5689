package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/store/memstorage"
)

func newSession(id, issueID string) *model.Session {
	return &model.Session{
		ID:        id,
		IssueID:   issueID,
		State:     model.SessionIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{},
	}
}

func TestInsertIfAbsent_UniquenessPerIssue(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())

	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))

	err := s.InsertIfAbsent(newSession("s2", "ISSUE-1"))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetByIssue("ISSUE-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
}

func TestInsertIfAbsent_AllowsNewSessionAfterTerminal(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())

	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))
	require.NoError(t, s.Update("s1", func(sess *model.Session) {
		sess.State = model.SessionCompleted
	}))

	// A new session for the same issue is allowed once the old one is terminal.
	err := s.InsertIfAbsent(newSession("s2", "ISSUE-1"))
	assert.NoError(t, err)
}

func TestUpdate_CopyOnWrite(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))

	first, err := s.Get("s1")
	require.NoError(t, err)

	require.NoError(t, s.Update("s1", func(sess *model.Session) {
		sess.State = model.SessionRunning
	}))

	// The earlier snapshot must not have been mutated in place.
	assert.Equal(t, model.SessionIdle, first.State)

	second, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, second.State)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Metadata["mutated"] = "yes"

	fresh, err := s.Get("s1")
	require.NoError(t, err)
	_, present := fresh.Metadata["mutated"]
	assert.False(t, present, "mutating a snapshot must not affect the store")
}

func TestCountInStates_AdmissionCap(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))
	require.NoError(t, s.InsertIfAbsent(newSession("s2", "ISSUE-2")))
	require.NoError(t, s.Update("s1", func(sess *model.Session) { sess.State = model.SessionRunning }))
	require.NoError(t, s.Update("s2", func(sess *model.Session) { sess.State = model.SessionCompleted }))

	n := s.CountInStates(model.SessionStarting, model.SessionRunning, model.SessionAwaitingAgent)
	assert.Equal(t, 1, n)
}

func TestPersistence_EventuallyFlushed(t *testing.T) {
	backing := memstorage.New()
	s := store.New(backing, config.DefaultStoreConfig())
	require.NoError(t, s.InsertIfAbsent(newSession("s1", "ISSUE-1")))

	require.Eventually(t, func() bool {
		return backing.PersistCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRemove_NotFound(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	err := s.Remove("nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
