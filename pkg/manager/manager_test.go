package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/manager"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/renderer/fakerenderer"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/store/memstorage"
	trackermock "github.com/relaycore/sessioncore/pkg/tracker/mock"
)

// neverEndingScript keeps sessions in a non-terminal state for the
// duration of the test, so admission-cap assertions have a stable window
// to observe instead of racing against the mock agent's own completion.
func neverEndingScript(cfg agentadapter.RunConfig) mock.Script {
	return mock.Script{
		Events: []agentadapter.Event{{Type: agentadapter.EventText, Content: "working"}},
		Step:   time.Hour,
	}
}

func newManager(t *testing.T, maxConcurrent, queueCap int) (*manager.Manager, *trackermock.Tracker, *store.Store) {
	t.Helper()
	trk := trackermock.New()
	trk.SeedMember(model.Member{ID: "bot", Name: "bot"})

	st := store.New(memstorage.New(), config.DefaultStoreConfig())
	engine := procedure.New(config.DefaultProcedureConfig())

	deps := manager.Deps{
		Store:       st,
		Tracker:     trk,
		Procedure:   engine,
		Prompts:     prompt.New(attachment.NewPluginRouter(nil)),
		Attachments: nil,
		Renderer:    fakerenderer.New(),
		BotAuthor:   "bot",
		MemberID:    "bot",
		Config: config.ManagerConfig{
			MaxConcurrentSessions: maxConcurrent,
			QueueCapacity:         queueCap,
			ShutdownGrace:         time.Second,
		},
		SupervisorConfig: config.DefaultSupervisorConfig(),
	}

	mgr := manager.New(deps, func(sess *model.Session) agentadapter.Runner {
		return mock.New(neverEndingScript, false, 1024)
	})
	return mgr, trk, st
}

func seedIssue(trk *trackermock.Tracker, id string, labels ...string) model.Issue {
	issue := model.Issue{ID: id, Identifier: id, Title: "t", State: "Todo", Labels: labels}
	trk.SeedIssue(issue)
	trk.AssignToMember("bot", issue)
	return issue
}

func TestAdmission_RespectsMaxConcurrentSessions(t *testing.T) {
	mgr, trk, st := newManager(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	defer mgr.Shutdown(context.Background())

	// Give Run a moment to subscribe to WatchIssues before publishing,
	// since AssignToMember drops events for members with no active watcher.
	time.Sleep(30 * time.Millisecond)

	seedIssue(trk, "ISSUE-1")

	require.Eventually(t, func() bool {
		_, err := st.GetByIssue("ISSUE-1")
		return err == nil
	}, time.Second, 10*time.Millisecond, "first issue should be admitted immediately")

	seedIssue(trk, "ISSUE-2")
	time.Sleep(100 * time.Millisecond)

	_, err := st.GetByIssue("ISSUE-2")
	assert.Error(t, err, "second issue must be queued, not started, while at the concurrency cap (P4)")
}

func TestAdmission_QueuedIssueStartsOnceSlotFrees(t *testing.T) {
	mgr, trk, st := newManager(t, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	defer mgr.Shutdown(context.Background())

	time.Sleep(30 * time.Millisecond)

	seedIssue(trk, "ISSUE-1")
	require.Eventually(t, func() bool {
		_, err := st.GetByIssue("ISSUE-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	seedIssue(trk, "ISSUE-2")
	time.Sleep(50 * time.Millisecond)
	_, err := st.GetByIssue("ISSUE-2")
	require.Error(t, err, "second issue starts out queued")

	// Free the slot by cancelling ISSUE-1's session.
	trk.UnassignFromMember("bot", model.Issue{ID: "ISSUE-1"})

	require.Eventually(t, func() bool {
		_, err := st.GetByIssue("ISSUE-2")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "queued issue must be admitted once the running one is stopped")
}

func TestAdmission_OverflowBeyondQueueCapacityPostsWarningComment(t *testing.T) {
	mgr, trk, st := newManager(t, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)
	defer mgr.Shutdown(context.Background())

	time.Sleep(30 * time.Millisecond)

	seedIssue(trk, "ISSUE-1") // admitted
	require.Eventually(t, func() bool {
		_, err := st.GetByIssue("ISSUE-1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	seedIssue(trk, "ISSUE-2") // fills the one-slot queue
	seedIssue(trk, "ISSUE-3") // overflows the queue

	require.Eventually(t, func() bool {
		comments, err := trk.GetComments(context.Background(), "ISSUE-3")
		return err == nil && len(comments) == 1
	}, time.Second, 10*time.Millisecond, "overflowed issue must receive exactly one warning comment")

	_, err := st.GetByIssue("ISSUE-3")
	assert.Error(t, err, "overflowed issue must never be admitted")
}
