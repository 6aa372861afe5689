// Package agentadapter defines AgentAdapter (spec §4.4): the contract the
// core requires from any concrete coding-agent implementation, a bounded
// event buffer shared by every implementation, and a scripted mock runner
// used by tests and the demo host.
package agentadapter

import (
	"context"
	"time"

	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/model"
)

// EventType discriminates the AgentEvent variants from spec §4.4.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool-use"
	EventToolResult EventType = "tool-result"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// Event is one item on an agent's event stream.
type Event struct {
	Type EventType

	// Text payload (EventText).
	Content string

	// Tool payload (EventToolUse / EventToolResult).
	Tool       string
	ToolInput  string
	ToolResult string
	IsError    bool

	// Error payload (EventError).
	Message string

	// Completion payload (EventComplete).
	Summary *model.CompletionSummary
}

// RunConfig carries everything a Runner needs to start or resume an agent
// process against one session.
type RunConfig struct {
	SessionID    string
	WorkingDir   string
	UserPrompt   string
	SystemPrompt string

	// Set when Resume is reusing prior state; the concrete adapter decides
	// how (or whether) to replay it into the resumed process.
	PriorAgentSessionID string

	// MCPServers lists the label-routed plugins (spec §4.3) that passed
	// their capability probe and should be made available to the agent
	// process for this launch. Concrete adapters decide how to surface
	// these (CLI flags, a generated MCP config file, etc); the mock
	// adapter ignores it.
	MCPServers []attachment.PluginSpec
}

// Handle is returned by Start/Resume: the opaque agent-side session id, the
// time it began, and the (already-buffered) event stream.
type Handle struct {
	AgentSessionID string
	StartedAt      time.Time
	Events         <-chan Event
}

// Runner is the AgentAdapter contract from spec §4.4. Implementations wrap
// a concrete coding agent (a local CLI subprocess, a hosted API, a scripted
// fake) behind this uniform surface.
type Runner interface {
	Start(ctx context.Context, cfg RunConfig) (*Handle, error)
	// SendMessage enqueues a new user turn on a live stream. Only valid
	// when SupportsStreamingInput is true; implementations that don't
	// support streaming input return an error (spec §4.4).
	SendMessage(ctx context.Context, agentSessionID, message string) error
	// Stop is idempotent: calling it twice, or on an already-stopped
	// session, is not an error.
	Stop(ctx context.Context, agentSessionID string) error
	Resume(ctx context.Context, cfg RunConfig) (*Handle, error)
	IsRunning(agentSessionID string) bool
	GetEventStream(agentSessionID string) (<-chan Event, error)
	SupportsStreamingInput() bool
}

// isToolEvent reports whether e is a tool-use/tool-result event — these are
// never dropped under buffer overflow per spec §4.4.
func isToolEvent(e Event) bool {
	return e.Type == EventToolUse || e.Type == EventToolResult
}
