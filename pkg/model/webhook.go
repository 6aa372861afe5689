package model

import "time"

// WebhookEventType discriminates the WebhookEvent variants of spec §3.
type WebhookEventType string

const (
	WebhookAssigned     WebhookEventType = "assigned"
	WebhookUnassigned   WebhookEventType = "unassigned"
	WebhookCommentAdded WebhookEventType = "comment-added"
	WebhookStateChanged WebhookEventType = "state-changed"
	WebhookSignal       WebhookEventType = "signal"
)

// WebhookEvent is the parsed, deduplicated representation of an inbound
// tracker webhook delivery.
type WebhookEvent struct {
	ID        string // dedup key
	Type      WebhookEventType
	Action    string
	Timestamp time.Time
	IssueID   string
	Issue     *Issue
	Comment   *Comment
	Signal    *AgentSignal
}

// AgentSignalType discriminates AgentSignal variants (spec §3).
type AgentSignalType string

const (
	SignalStart    AgentSignalType = "start"
	SignalStop     AgentSignalType = "stop"
	SignalFeedback AgentSignalType = "feedback"
)

// AgentSignal is a direction-reversed control message: tracker → core →
// supervisor → agent adapter.
type AgentSignal struct {
	Type        AgentSignalType
	Reason      string       // stop reason, optional
	Message     string       // feedback message
	Attachments []Attachment // feedback attachments, optional
}
