// Package tracker defines IssueTracker (spec §6): the contract through
// which the core observes and mutates an external issue-tracking system
// (Linear, GitHub, ...). The core never imports a concrete tracker; it
// depends only on this interface.
package tracker

import (
	"context"

	"github.com/relaycore/sessioncore/pkg/model"
)

// IssueEventType is kept distinct from model.WebhookEventType: a watch
// stream and a webhook delivery are two different transports for the same
// logical events (spec §3's variant set), and a tracker implementation
// that only supports one of them shouldn't need the other's vocabulary.
type IssueEventType = model.WebhookEventType

// IssueEvent is one item on the stream returned by WatchIssues.
type IssueEvent struct {
	Type    IssueEventType
	Issue   model.Issue
	Comment *model.Comment
	Signal  *model.AgentSignal
}

// AddCommentInput bundles the fields addComment accepts (spec §6).
type AddCommentInput struct {
	Body     string
	ParentID *string
	Author   string
}

// Filters narrows ListAssignedIssues; all fields are optional.
type Filters struct {
	States []string
	Labels []string
}

// Tracker is the IssueTracker contract from spec §6.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (model.Issue, error)
	ListAssignedIssues(ctx context.Context, memberID string, filters *Filters) ([]model.Issue, error)
	UpdateIssueState(ctx context.Context, id, newState string) error
	AddComment(ctx context.Context, issueID string, in AddCommentInput) (model.Comment, error)
	GetComments(ctx context.Context, issueID string) ([]model.Comment, error)
	WatchIssues(ctx context.Context, memberID string) (<-chan IssueEvent, error)
	GetAttachments(ctx context.Context, issueID string) ([]model.Attachment, error)
	SendSignal(ctx context.Context, issueID string, sig model.AgentSignal) error
	GetMember(ctx context.Context, id string) (model.Member, error)
	ListLabels(ctx context.Context, teamID string) ([]model.Label, error)
}

// CommentPoster adapts a Tracker to pkg/supervisor's narrow CommentPoster
// interface, filling in the bot's own identity as comment author. The
// supervisor only ever posts root-level comments (no threaded replies),
// so ParentID is always nil here.
type CommentPoster struct {
	Tracker    Tracker
	BotAuthor  string
}

// PostComment implements supervisor.CommentPoster.
func (p CommentPoster) PostComment(ctx context.Context, issueID, body string) error {
	_, err := p.Tracker.AddComment(ctx, issueID, AddCommentInput{Body: body, Author: p.BotAuthor})
	return err
}
