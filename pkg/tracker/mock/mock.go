// Package mock implements tracker.Tracker as an in-memory fake for tests
// and cmd/sessioncore's demo mode, grounded on the teacher's
// test/e2e.ScriptedLLMClient idiom: a deterministic in-process fake rather
// than a driver for a real external system.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/tracker"
)

// Tracker is an in-memory tracker.Tracker. All state is held in plain maps
// behind a single mutex — there is no concurrency benefit to partitioning
// it further for a test fake.
type Tracker struct {
	mu       sync.Mutex
	issues   map[string]model.Issue
	members  map[string]model.Member
	labels   []model.Label
	watchers map[string][]chan tracker.IssueEvent // memberID -> subscribed channels
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		issues:   make(map[string]model.Issue),
		members:  make(map[string]model.Member),
		watchers: make(map[string][]chan tracker.IssueEvent),
	}
}

// SeedIssue registers an issue directly, bypassing the event stream —
// useful for test setup.
func (t *Tracker) SeedIssue(issue model.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues[issue.ID] = issue
}

// SeedMember registers a member directly.
func (t *Tracker) SeedMember(m model.Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[m.ID] = m
}

// AssignToMember publishes an "assigned" IssueEvent to every watcher of
// memberID, simulating the tracker assigning issue to the bot.
func (t *Tracker) AssignToMember(memberID string, issue model.Issue) {
	t.SeedIssue(issue)
	t.publish(memberID, tracker.IssueEvent{Type: model.WebhookAssigned, Issue: issue})
}

// UnassignFromMember publishes an "unassigned" event.
func (t *Tracker) UnassignFromMember(memberID string, issue model.Issue) {
	t.publish(memberID, tracker.IssueEvent{Type: model.WebhookUnassigned, Issue: issue})
}

// PublishComment publishes a "comment-added" event and appends the
// comment to the issue's thread.
func (t *Tracker) PublishComment(memberID, issueID string, c model.Comment) {
	t.mu.Lock()
	issue, ok := t.issues[issueID]
	if ok {
		issue.Comments = append(issue.Comments, c)
		t.issues[issueID] = issue
	}
	t.mu.Unlock()
	t.publish(memberID, tracker.IssueEvent{Type: model.WebhookCommentAdded, Issue: issue, Comment: &c})
}

func (t *Tracker) publish(memberID string, ev tracker.IssueEvent) {
	t.mu.Lock()
	chans := append([]chan tracker.IssueEvent(nil), t.watchers[memberID]...)
	t.mu.Unlock()
	for _, ch := range chans {
		ch <- ev
	}
}

func (t *Tracker) GetIssue(ctx context.Context, id string) (model.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[id]
	if !ok {
		return model.Issue{}, fmt.Errorf("tracker/mock: unknown issue %q", id)
	}
	return issue, nil
}

func (t *Tracker) ListAssignedIssues(ctx context.Context, memberID string, filters *tracker.Filters) ([]model.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Issue, 0, len(t.issues))
	for _, issue := range t.issues {
		out = append(out, issue)
	}
	return out, nil
}

func (t *Tracker) UpdateIssueState(ctx context.Context, id, newState string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[id]
	if !ok {
		return fmt.Errorf("tracker/mock: unknown issue %q", id)
	}
	issue.State = newState
	t.issues[id] = issue
	return nil
}

func (t *Tracker) AddComment(ctx context.Context, issueID string, in tracker.AddCommentInput) (model.Comment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[issueID]
	if !ok {
		return model.Comment{}, fmt.Errorf("tracker/mock: unknown issue %q", issueID)
	}
	c := model.Comment{
		ID:        uuid.NewString(),
		IssueID:   issueID,
		Author:    in.Author,
		Body:      in.Body,
		CreatedAt: time.Now(),
		ParentID:  in.ParentID,
		IsRoot:    in.ParentID == nil,
	}
	issue.Comments = append(issue.Comments, c)
	t.issues[issueID] = issue
	return c, nil
}

func (t *Tracker) GetComments(ctx context.Context, issueID string) ([]model.Comment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("tracker/mock: unknown issue %q", issueID)
	}
	return append([]model.Comment(nil), issue.Comments...), nil
}

func (t *Tracker) WatchIssues(ctx context.Context, memberID string) (<-chan tracker.IssueEvent, error) {
	ch := make(chan tracker.IssueEvent, 32)
	t.mu.Lock()
	t.watchers[memberID] = append(t.watchers[memberID], ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.watchers[memberID]
		for i, c := range subs {
			if c == ch {
				t.watchers[memberID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (t *Tracker) GetAttachments(ctx context.Context, issueID string) ([]model.Attachment, error) {
	return nil, nil
}

func (t *Tracker) SendSignal(ctx context.Context, issueID string, sig model.AgentSignal) error {
	return nil
}

func (t *Tracker) GetMember(ctx context.Context, id string) (model.Member, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if !ok {
		return model.Member{}, fmt.Errorf("tracker/mock: unknown member %q", id)
	}
	return m, nil
}

func (t *Tracker) ListLabels(ctx context.Context, teamID string) ([]model.Label, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Label(nil), t.labels...), nil
}
