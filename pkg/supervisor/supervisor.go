// Package supervisor implements SessionSupervisor (spec §4.6): the
// per-session goroutine that drives one Session's ProcedureState forward by
// talking to an AgentAdapter, batching and posting tracker comments,
// rendering activities to observers, and persisting state via
// Store.Update.
//
// Concurrency shape follows the teacher's pkg/queue/worker.go run loop
// (stopCh + sync.Once + a select over stop/ctx/work), generalized from "poll
// a queue" to "select over tracker signals, agent events and a comment
// batching timer" — one goroutine, one Session, no shared mutable state
// beyond what Store.Update already serializes.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/store"
)

// Deps bundles every collaborator a Supervisor needs. Renderer, Tracker and
// Validator may be nil for tests that don't exercise that side effect.
type Deps struct {
	Store       *store.Store
	Procedure   *procedure.Engine
	Prompts     *prompt.Assembler
	Attachments *attachment.Cache
	Agent       agentadapter.Runner
	Renderer    Renderer
	Tracker     CommentPoster
	Validator   Validator
	Config      config.SupervisorConfig

	// PluginRouter capability-probes the label-routed MCP plugins Prompts
	// resolves for the issue's labels (spec §4.3), so only reachable
	// plugins are offered to the agent. Optional: nil skips probing and
	// MCPServers is left empty on every launch.
	PluginRouter *attachment.PluginRouter
}

// Supervisor owns exactly one Session for its entire lifetime. sess must be
// the same *model.Session pointer already registered in deps.Store (via
// Store.InsertIfAbsent) — Store.Update looks sessions up by id and hands the
// callback the live registered pointer, so Supervisor and Store must share
// pointer identity for the single-writer discipline spec §4.1 describes to
// hold. Callers construct the Session, insert it, then pass the same
// pointer here.
type Supervisor struct {
	sess  *model.Session
	issue model.Issue
	deps  Deps

	signalCh chan model.AgentSignal
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	pendingText  strings.Builder
	commentTimer *time.Timer

	log *slog.Logger
}

// New constructs a Supervisor for sess. Run must be invoked (typically as
// its own goroutine) to actually drive the session.
func New(sess *model.Session, issue model.Issue, deps Deps) *Supervisor {
	return &Supervisor{
		sess:     sess,
		issue:    issue,
		deps:     deps,
		signalCh: make(chan model.AgentSignal, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      slog.With("session_id", sess.ID, "issue_id", issue.ID),
	}
}

// ID returns the owned session's id.
func (sv *Supervisor) ID() string { return sv.sess.ID }

// Signal delivers a tracker-originated or manager-originated control
// message. Stop signals take priority over everything else the supervisor
// is doing (spec §4.6): they close stopCh directly rather than going
// through the ordinary signal queue, so a full signalCh can never delay a
// stop request. Non-stop signals are dropped with a warning log if the
// queue is full — control messages are infrequent enough that this should
// never happen in practice.
func (sv *Supervisor) Signal(sig model.AgentSignal) {
	if sig.Type == model.SignalStop {
		sv.stopOnce.Do(func() { close(sv.stopCh) })
		return
	}
	select {
	case sv.signalCh <- sig:
	default:
		sv.log.Warn("signal queue full, dropping signal", "type", sig.Type)
	}
}

// Done is closed once Run returns (the session reached a terminal state).
func (sv *Supervisor) Done() <-chan struct{} { return sv.doneCh }

// updateSession applies fn through Store.Update. Because sv.sess aliases
// the store's registered pointer, fn's mutations are visible through
// sv.sess immediately — no copy-back required.
func (sv *Supervisor) updateSession(fn func(*model.Session)) {
	if err := sv.deps.Store.Update(sv.sess.ID, fn); err != nil {
		sv.log.Warn("store update failed", "error", err)
		fn(sv.sess)
	}
}
