package model

import "time"

// SessionState is the lifecycle state of a Session. See spec §4.6 for the
// full state diagram: idle → starting → running → awaiting-agent →
// (running | completed | failed | canceled).
type SessionState string

const (
	SessionIdle          SessionState = "idle"
	SessionStarting      SessionState = "starting"
	SessionRunning       SessionState = "running"
	SessionAwaitingAgent SessionState = "awaiting-agent"
	SessionCompleted     SessionState = "completed"
	SessionFailed        SessionState = "failed"
	SessionCanceled      SessionState = "canceled"
)

// Terminal reports whether s is one of the terminal lifecycle states.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCanceled:
		return true
	default:
		return false
	}
}

// Session is the unit of work owned by exactly one SessionSupervisor.
// All mutation happens through Store.Update (copy-on-write) so that
// Snapshot() callers never observe a torn read.
type Session struct {
	ID             string
	IssueID        string
	RepositoryID   string
	WorkingDir     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	State          SessionState
	RetryCount     int
	AgentSessionID string // opaque id handed back by the concrete AgentRunner

	Activities []Activity
	Procedure  ProcedureState
	Metadata   map[string]string

	// FailureReason is set when State == SessionFailed, for the single
	// summary comment posted per spec §7.
	FailureReason string
}

// Clone returns a deep copy suitable for handing to callers outside the
// owning supervisor (Store.snapshot()).
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Activities = append([]Activity(nil), s.Activities...)
	cp.Procedure = s.Procedure.clone()
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// NextSequence returns the sequence number the next Activity appended to
// this session should carry.
func (s *Session) NextSequence() int {
	if len(s.Activities) == 0 {
		return 1
	}
	return s.Activities[len(s.Activities)-1].Sequence + 1
}

// ActivityKind enumerates the Activity variants from spec §3.
type ActivityKind string

const (
	ActivityText       ActivityKind = "text"
	ActivityToolUse    ActivityKind = "tool-use"
	ActivityToolResult ActivityKind = "tool-result"
	ActivityError      ActivityKind = "error"
	ActivityComplete   ActivityKind = "complete"
	ActivitySummary    ActivityKind = "summary"
	ActivityWarning    ActivityKind = "warning"
)

// Activity is one append-only entry in a session's activity log. Every
// Activity produced by the agent appears exactly once, in emission order
// (spec §3 invariant, tested as P2/P3).
type Activity struct {
	Sequence  int
	Kind      ActivityKind
	CreatedAt time.Time

	// Text/tool/error payload — exactly one set of fields is meaningful
	// per Kind, left untyped (string maps) to stay a plain log record.
	Text       string
	Tool       string
	ToolInput  string
	ToolResult string
	IsError    bool
	Summary    *CompletionSummary
}

// CompletionSummary is the payload of an ActivityComplete activity,
// mirroring AgentEvent{type: complete}.
type CompletionSummary struct {
	Turns         int
	ToolsUsed     int
	FilesModified []string
	ExitCode      int
	Summary       string
}
