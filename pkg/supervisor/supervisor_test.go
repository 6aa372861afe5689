package supervisor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/renderer/fakerenderer"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/store/memstorage"
	"github.com/relaycore/sessioncore/pkg/supervisor"
)

func testIssue() model.Issue {
	return model.Issue{ID: "ISSUE-1", Identifier: "TEAM-1", Title: "t", State: "Todo"}
}

func newHarness(t *testing.T, scriptFunc mock.ScriptFunc) (*supervisor.Supervisor, *store.Store, *fakerenderer.Renderer) {
	t.Helper()
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	engine := procedure.New(config.ProcedureConfig{MaxIterations: 4})
	procState, err := engine.NewState(procedure.PresetSimpleQuestion, false)
	require.NoError(t, err)

	sess := &model.Session{
		ID:        "sess-1",
		IssueID:   "ISSUE-1",
		State:     model.SessionIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{},
		Procedure: procState,
	}
	require.NoError(t, s.InsertIfAbsent(sess))

	render := fakerenderer.New()
	deps := supervisor.Deps{
		Store:       s,
		Procedure:   engine,
		Prompts:     prompt.New(attachment.NewPluginRouter(nil)),
		Attachments: nil,
		Agent:       mock.New(scriptFunc, false, 1024),
		Renderer:    render,
		Config:      config.DefaultSupervisorConfig(),
	}
	return supervisor.New(sess, testIssue(), deps), s, render
}

func TestRun_HappyPath_ActivitiesInOrderAndSessionCompletes(t *testing.T) {
	script := mock.TextScript([]string{"thinking", "done thinking"}, time.Millisecond)
	sv, st, render := newHarness(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sv.Run(ctx)

	select {
	case <-sv.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("supervisor did not finish in time")
	}

	got, err := st.Get(sv.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.State)

	acts := render.Activities(sv.ID())
	require.NotEmpty(t, acts)
	for i := 1; i < len(acts); i++ {
		assert.LessOrEqual(t, acts[i-1].Sequence, acts[i].Sequence, "activities must render in non-decreasing sequence order (P2)")
	}
}

func TestSignal_StopIsIdempotent(t *testing.T) {
	script := mock.TextScript([]string{"line1", "line2", "line3"}, 50*time.Millisecond)
	sv, st, _ := newHarness(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sv.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	sv.Signal(model.AgentSignal{Type: model.SignalStop})
	sv.Signal(model.AgentSignal{Type: model.SignalStop}) // idempotent (P8)

	select {
	case <-sv.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	got, err := st.Get(sv.ID())
	require.NoError(t, err)
	assert.Equal(t, model.SessionCanceled, got.State)
}

func TestRun_ValidationRetry_AdvancesAfterConfiguredIterations(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	engine := procedure.New(config.ProcedureConfig{MaxIterations: 4})
	procState, err := engine.NewState(procedure.PresetFullDevelopment, false)
	require.NoError(t, err)
	// Fast-forward straight to the validated "verifications" subroutine.
	procState.CurrentIndex = 1
	require.Equal(t, "verifications", procState.CurrentSubroutine())

	sess := &model.Session{
		ID:        "sess-verify",
		IssueID:   "ISSUE-2",
		State:     model.SessionIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{},
		Procedure: procState,
	}
	require.NoError(t, s.InsertIfAbsent(sess))

	attempt := 0
	validator := validatorFunc(func(ctx context.Context, sess model.Session, sub string) (bool, string, error) {
		attempt++
		return attempt >= 4, "iteration result", nil
	})

	deps := supervisor.Deps{
		Store:     s,
		Procedure: engine,
		Prompts:   prompt.New(attachment.NewPluginRouter(nil)),
		Agent:     mock.New(mock.TextScript([]string{"verifying"}, time.Millisecond), false, 1024),
		Renderer:  fakerenderer.New(),
		Validator: validator,
		Config:    config.DefaultSupervisorConfig(),
	}
	sv := supervisor.New(sess, model.Issue{ID: "ISSUE-2"}, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sv.Run(ctx)

	select {
	case <-sv.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("supervisor did not finish in time")
	}

	assert.Equal(t, 4, attempt, "validator must run exactly maxIterations times before passing")
	got, err := s.Get("sess-verify")
	require.NoError(t, err)
	assert.NotEqual(t, model.SessionFailed, got.State)
}

type validatorFunc func(ctx context.Context, sess model.Session, sub string) (bool, string, error)

func (f validatorFunc) Validate(ctx context.Context, sess model.Session, sub string) (bool, string, error) {
	return f(ctx, sess, sub)
}

func TestRun_UnreachablePlugin_WarnsButCompletes(t *testing.T) {
	s := store.New(memstorage.New(), config.DefaultStoreConfig())
	engine := procedure.New(config.ProcedureConfig{MaxIterations: 4})
	procState, err := engine.NewState(procedure.PresetSimpleQuestion, false)
	require.NoError(t, err)

	sess := &model.Session{
		ID:        "sess-plugin",
		IssueID:   "ISSUE-3",
		State:     model.SessionIdle,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Metadata:  map[string]string{},
		Procedure: procState,
	}
	require.NoError(t, s.InsertIfAbsent(sess))

	router := attachment.NewPluginRouter([]attachment.PluginSpec{
		{Label: "infra", Command: "/nonexistent/mcp-plugin-binary"},
	})
	render := fakerenderer.New()
	deps := supervisor.Deps{
		Store:        s,
		Procedure:    engine,
		Prompts:      prompt.New(router),
		Agent:        mock.New(mock.TextScript([]string{"done"}, time.Millisecond), false, 1024),
		Renderer:     render,
		Config:       config.DefaultSupervisorConfig(),
		PluginRouter: router,
	}
	issue := model.Issue{ID: "ISSUE-3", Identifier: "TEAM-3", Title: "t", State: "Todo", Labels: []string{"infra"}}
	sv := supervisor.New(sess, issue, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sv.Run(ctx)

	select {
	case <-sv.Done():
	case <-time.After(4 * time.Second):
		t.Fatal("supervisor did not finish in time")
	}

	got, err := s.Get("sess-plugin")
	require.NoError(t, err)
	assert.NotEqual(t, model.SessionFailed, got.State, "an unreachable plugin must not fail the launch")

	var sawWarning bool
	for _, act := range got.Activities {
		if act.Kind == model.ActivityWarning && strings.Contains(act.Text, "unreachable") {
			sawWarning = true
		}
	}
	assert.True(t, sawWarning, "an unreachable plugin must be recorded as a warning activity")
}
