// Package manager implements SessionManager (spec §4.8): the public
// façade that watches the tracker, admits work under a concurrency cap,
// creates and routes signals to SessionSupervisors, and emits observer
// events. Grounded on the teacher's pkg/queue worker-pool admission shape
// (a bounded run queue plus a fixed worker count) generalized from
// "N workers pull alerts" to "N concurrent sessions, everything past the
// cap waits in a bounded FIFO."
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/renderer"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/supervisor"
	"github.com/relaycore/sessioncore/pkg/tracker"
)

// ManagerEventType discriminates the observer events SessionManager emits
// (spec §4.8, SPEC_FULL §11's typed subscribe API).
type ManagerEventType string

const (
	EventStarted          ManagerEventType = "started"
	EventSessionStarted   ManagerEventType = "session:started"
	EventSessionCompleted ManagerEventType = "session:completed"
	EventSessionFailed    ManagerEventType = "session:failed"
	EventError            ManagerEventType = "error"
)

// ManagerEvent is one item on the Subscribe() channel.
type ManagerEvent struct {
	Type      ManagerEventType
	SessionID string
	IssueID   string
	Context   string
	At        time.Time
}

// Deps bundles every collaborator SessionManager needs beyond what it
// builds itself (the supervisor registry and admission queue).
type Deps struct {
	Store     *store.Store
	Tracker   tracker.Tracker
	Procedure   *procedure.Engine
	Prompts     *prompt.Assembler
	Attachments *attachment.Cache
	Renderer    renderer.Renderer
	Validator supervisor.Validator
	BotAuthor string
	MemberID  string

	// PluginRouter capability-probes label-routed MCP plugins (spec §4.3)
	// for each launch; optional, nil means no plugins are ever offered to
	// the agent.
	PluginRouter *attachment.PluginRouter

	// Classifier selects a procedure preset for a newly assigned issue;
	// defaults to DefaultClassifier.
	Classifier func(issue model.Issue) string
	// WorkingDir derives a session's working directory; defaults to a
	// path under HomeDirectory keyed by issue id.
	WorkingDir    func(issue model.Issue) string
	HomeDirectory string

	// SubIssues resolves an orchestrator-preset issue's sub-issue graph
	// (spec §4.5.2). Optional: orchestrator sessions launched without one
	// configured fall back to full-development (see DESIGN.md).
	SubIssues func(ctx context.Context, issueID string) ([]procedure.SubIssue, error)

	Config           config.ManagerConfig
	SupervisorConfig config.SupervisorConfig
}

// Manager is the SessionManager façade.
type Manager struct {
	deps     Deps
	log      *slog.Logger
	newAgent func(sess *model.Session) agentadapter.Runner

	mu          sync.Mutex
	supervisors map[string]*supervisor.Supervisor // sessionID -> supervisor
	active      int
	queue       []queuedStart

	subsMu sync.Mutex
	subs   []chan ManagerEvent

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type queuedStart struct {
	issue model.Issue
}

// New constructs a Manager. newAgent builds the AgentAdapter a new
// supervisor should run against (spec's AgentRunner collaborator);
// callers typically close over a single shared Runner instance.
func New(deps Deps, newAgent func(sess *model.Session) agentadapter.Runner) *Manager {
	if deps.Classifier == nil {
		deps.Classifier = DefaultClassifier
	}
	if deps.WorkingDir == nil {
		home := deps.HomeDirectory
		deps.WorkingDir = func(issue model.Issue) string {
			return fmt.Sprintf("%s/workdir/%s", home, issue.ID)
		}
	}
	return &Manager{
		deps:        deps,
		log:         slog.With("component", "manager"),
		newAgent:    newAgent,
		supervisors: make(map[string]*supervisor.Supervisor),
		stopCh:      make(chan struct{}),
	}
}

// DefaultClassifier picks a procedure preset from an issue's labels (spec
// §4.5 names the presets but leaves selection as an Open Question; see
// DESIGN.md for this implementation's resolution): "bug"/"debug" ->
// debugger, "question" -> simple-question, "docs"/"documentation" ->
// doc-edit, "epic"/"orchestrator" -> orchestrator, else full-development.
func DefaultClassifier(issue model.Issue) string {
	switch {
	case issue.HasLabel("bug") || issue.HasLabel("debug"):
		return procedure.PresetDebugger
	case issue.HasLabel("question"):
		return procedure.PresetSimpleQuestion
	case issue.HasLabel("docs") || issue.HasLabel("documentation"):
		return procedure.PresetDocEdit
	case issue.HasLabel("epic") || issue.HasLabel("orchestrator"):
		return procedure.PresetOrchestrator
	default:
		return procedure.PresetFullDevelopment
	}
}

// Subscribe returns a channel of observer events (spec §4.8 "events
// emitted"). The returned channel is buffered; a slow subscriber drops the
// oldest undelivered event rather than blocking the manager.
func (m *Manager) Subscribe() <-chan ManagerEvent {
	ch := make(chan ManagerEvent, 64)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) emit(ev ManagerEvent) {
	ev.At = time.Now()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Run starts watching the tracker for memberID's assigned issues and
// blocks until ctx is canceled or Shutdown is called. Intended to be run
// in its own goroutine by the host process.
func (m *Manager) Run(ctx context.Context) error {
	m.emit(ManagerEvent{Type: EventStarted})

	events, err := m.deps.Tracker.WatchIssues(ctx, m.deps.MemberID)
	if err != nil {
		return fmt.Errorf("manager: watch issues: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handleTrackerEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleTrackerEvent(ctx context.Context, ev tracker.IssueEvent) {
	switch ev.Type {
	case model.WebhookAssigned:
		m.startSession(ctx, ev.Issue)
	case model.WebhookUnassigned:
		m.stopSessionForIssue(ev.Issue.ID, "unassigned")
	case model.WebhookCommentAdded:
		m.routeSignal(ev.Issue.ID, model.AgentSignal{Type: model.SignalFeedback, Message: commentBody(ev.Comment)})
	case model.WebhookStateChanged:
		// Informational for a running supervisor; no independent action
		// beyond what it already observes via its own tracker-comment and
		// completion flow (spec §4.8 names routing here but leaves the
		// supervisor-side effect unspecified for state-changed alone).
	case model.WebhookSignal:
		if ev.Signal != nil {
			m.routeSignal(ev.Issue.ID, *ev.Signal)
		}
	}
}

func commentBody(c *model.Comment) string {
	if c == nil {
		return ""
	}
	return c.Body
}

// HandleEvent implements webhook.Dispatcher, letting pkg/webhook's Ingress
// route a parsed WebhookEvent here without importing this package back.
func (m *Manager) HandleEvent(ctx context.Context, wev model.WebhookEvent) error {
	ev := tracker.IssueEvent{Type: wev.Type, Comment: wev.Comment, Signal: wev.Signal}
	if wev.Issue != nil {
		ev.Issue = *wev.Issue
	} else {
		issue, err := m.deps.Tracker.GetIssue(ctx, wev.IssueID)
		if err != nil {
			return fmt.Errorf("manager: resolving issue %s: %w", wev.IssueID, err)
		}
		ev.Issue = issue
	}
	m.handleTrackerEvent(ctx, ev)
	return nil
}

// startSession admits a new session for issue, subject to the
// maxConcurrentSessions cap (spec §4.8). At capacity, the start is queued
// FIFO up to queueCapacity; overflow is rejected with a warning comment.
func (m *Manager) startSession(ctx context.Context, issue model.Issue) {
	if _, err := m.deps.Store.GetByIssue(issue.ID); err == nil {
		return // already has a live session (spec P1)
	}

	m.mu.Lock()
	if m.active >= m.deps.Config.MaxConcurrentSessions {
		if len(m.queue) >= m.deps.Config.QueueCapacity {
			m.mu.Unlock()
			m.rejectOverflow(ctx, issue)
			return
		}
		m.queue = append(m.queue, queuedStart{issue: issue})
		m.mu.Unlock()
		return
	}
	m.active++
	m.mu.Unlock()

	m.launchSupervisor(ctx, issue, nil)
}

func (m *Manager) rejectOverflow(ctx context.Context, issue model.Issue) {
	m.log.Warn("admission queue full, rejecting session start", "issue_id", issue.ID)
	if m.deps.Tracker != nil {
		_, _ = m.deps.Tracker.AddComment(ctx, issue.ID, tracker.AddCommentInput{
			Body:   "This issue could not be picked up: the agent is at capacity and its queue is full. It will need to be re-assigned once capacity frees up.",
			Author: m.deps.BotAuthor,
		})
	}
	m.emit(ManagerEvent{Type: EventError, IssueID: issue.ID, Context: "admission queue full"})
}

// launchSupervisor creates and starts a Supervisor for issue. metadata, if
// non-nil, seeds the new session's Metadata map (used by the orchestrator
// driver to tag a child session with its task id).
func (m *Manager) launchSupervisor(ctx context.Context, issue model.Issue, metadata map[string]string) *supervisor.Supervisor {
	preset := m.deps.Classifier(issue)
	if preset == procedure.PresetOrchestrator {
		// The orchestrator issue itself occupies one admission slot for
		// the duration of its whole child-task DAG, same as any other
		// session; child tasks it spawns bypass admission control
		// entirely (see launchPreset in orchestrator.go), matching how
		// runReproduceSubroutine's 3-way fan-out bypasses it too.
		go func() {
			m.runOrchestrator(ctx, issue)
			m.releaseSlot(ctx)
		}()
		return nil
	}

	procState, err := m.deps.Procedure.NewState(preset, true)
	if err != nil {
		m.log.Error("failed to build procedure state", "issue_id", issue.ID, "error", err)
		m.releaseSlot(ctx)
		return nil
	}
	return m.launchWithState(ctx, issue, procState, metadata)
}

// launchWithState creates and starts a Supervisor for issue using an
// already-built ProcedureState — the common tail of launchSupervisor (for
// classifier-selected presets) and the orchestrator driver (for child
// tasks, which are always full-development regardless of the parent
// issue's labels).
func (m *Manager) launchWithState(ctx context.Context, issue model.Issue, procState model.ProcedureState, metadata map[string]string) *supervisor.Supervisor {
	md := map[string]string{}
	for k, v := range metadata {
		md[k] = v
	}

	sess := &model.Session{
		ID:           uuid.NewString(),
		IssueID:      issue.ID,
		RepositoryID: issue.RepositoryID,
		WorkingDir:   m.deps.WorkingDir(issue),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		State:        model.SessionIdle,
		Procedure:    procState,
		Metadata:     md,
	}

	if err := m.deps.Store.InsertIfAbsent(sess); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			m.log.Error("store insert failed", "issue_id", issue.ID, "error", err)
		}
		if _, child := md[taskSubroutineMetadataKey]; !child {
			m.releaseSlot(ctx)
		}
		return nil
	}

	if m.deps.Renderer != nil {
		_ = m.deps.Renderer.AttachSession(ctx, sess.ID, renderer.Metadata{
			IssueID:      issue.ID,
			Identifier:   issue.Identifier,
			Title:        issue.Title,
			RepositoryID: issue.RepositoryID,
		})
	}

	sv := supervisor.New(sess, issue, supervisor.Deps{
		Store:       m.deps.Store,
		Procedure:   m.deps.Procedure,
		Prompts:     m.deps.Prompts,
		Attachments: m.deps.Attachments,
		Agent:       m.newAgent(sess),
		Renderer:    m.deps.Renderer,
		Tracker:     tracker.CommentPoster{Tracker: m.deps.Tracker, BotAuthor: m.deps.BotAuthor},
		Validator:   m.deps.Validator,
		Config:      m.deps.SupervisorConfig,
		PluginRouter: m.deps.PluginRouter,
	})

	m.mu.Lock()
	m.supervisors[sess.ID] = sv
	m.mu.Unlock()

	m.emit(ManagerEvent{Type: EventSessionStarted, SessionID: sess.ID, IssueID: issue.ID})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sv.Run(ctx)
		m.onSupervisorDone(ctx, sv)
	}()

	return sv
}

func (m *Manager) onSupervisorDone(ctx context.Context, sv *supervisor.Supervisor) {
	sess, err := m.deps.Store.Get(sv.ID())
	if err == nil {
		switch sess.State {
		case model.SessionCompleted:
			m.emit(ManagerEvent{Type: EventSessionCompleted, SessionID: sess.ID, IssueID: sess.IssueID})
		case model.SessionFailed:
			m.emit(ManagerEvent{Type: EventSessionFailed, SessionID: sess.ID, IssueID: sess.IssueID, Context: sess.FailureReason})
		}
		if m.deps.Renderer != nil {
			_ = m.deps.Renderer.DetachSession(ctx, sess.ID)
		}
	}

	m.mu.Lock()
	delete(m.supervisors, sv.ID())
	m.mu.Unlock()

	// Orchestrator child tasks never took an admission slot of their own.
	if err == nil {
		if _, child := sess.Metadata[taskSubroutineMetadataKey]; child {
			return
		}
	}
	m.releaseSlot(ctx)
}

// releaseSlot frees one admission slot and, if anything is queued, admits
// the next one FIFO.
func (m *Manager) releaseSlot(ctx context.Context) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.active--
		m.mu.Unlock()
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	m.launchSupervisor(ctx, next.issue, nil)
}

func (m *Manager) stopSessionForIssue(issueID, reason string) {
	m.routeSignal(issueID, model.AgentSignal{Type: model.SignalStop, Reason: reason})
}

func (m *Manager) routeSignal(issueID string, sig model.AgentSignal) {
	sess, err := m.deps.Store.GetByIssue(issueID)
	if err != nil {
		return
	}
	m.mu.Lock()
	sv, ok := m.supervisors[sess.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sv.Signal(sig)
}

// Shutdown broadcasts stop to every live supervisor, waits up to
// shutdownGrace for each to finish, then returns regardless (spec §4.8:
// "hard-cancels remaining"). Shutdown does not wait for persistence:
// Store.Update only enqueues each snapshot on the per-session persist
// queue, which is flushed asynchronously, so writes may still be in flight
// when Shutdown returns.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(m.supervisors))
	for _, sv := range m.supervisors {
		sups = append(sups, sv)
	}
	m.mu.Unlock()

	for _, sv := range sups {
		sv.Signal(model.AgentSignal{Type: model.SignalStop, Reason: "shutdown"})
	}

	grace := m.deps.Config.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	deadline := time.After(grace)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadline:
		m.log.Warn("shutdown grace period elapsed, some supervisors may not have finished cleanly")
	}

	m.subsMu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subsMu.Unlock()
}
