package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/sessioncore/pkg/model"
)

// LinearParser decodes Linear's webhook payload shape into a
// model.WebhookEvent. Linear sends {action, type, data, updatedFrom,
// webhookId} envelopes; this parser only extracts the fields the core
// acts on (spec §3's WebhookEvent fields), leaving everything else
// ignored rather than modeled.
type LinearParser struct{}

type linearPayload struct {
	Action      string          `json:"action"`
	Type        string          `json:"type"`
	WebhookID   string          `json:"webhookId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Data        linearData      `json:"data"`
	UpdatedFrom json.RawMessage `json:"updatedFrom"`
}

type linearData struct {
	ID          string       `json:"id"`
	Identifier  string       `json:"identifier"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	State       *linearState `json:"state"`
	AssigneeID  *string      `json:"assigneeId"`
	Body        string       `json:"body"` // comment body, when Type == "Comment"
	IssueID     string       `json:"issueId"`
	ParentID    *string      `json:"parentId"`
	UserID      string       `json:"userId"`
}

type linearState struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (LinearParser) Parse(body []byte) (model.WebhookEvent, error) {
	var p linearPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.WebhookEvent{}, fmt.Errorf("linear webhook: decode: %w", err)
	}

	ev := model.WebhookEvent{
		ID:        p.WebhookID,
		Timestamp: p.CreatedAt,
		Action:    p.Action,
	}
	if ev.ID == "" {
		// Some deliveries omit webhookId (e.g. local test fixtures); fall
		// back to a composite key so dedup still has something stable to
		// hash on for the lifetime of one delivery.
		ev.ID = fmt.Sprintf("%s:%s:%s", p.Type, p.Action, p.Data.ID)
	}

	switch p.Type {
	case "Issue":
		ev.IssueID = p.Data.ID
		ev.Issue = &model.Issue{
			ID:          p.Data.ID,
			Identifier:  p.Data.Identifier,
			Title:       p.Data.Title,
			Description: p.Data.Description,
		}
		if p.Data.State != nil {
			ev.Issue.State = p.Data.State.Name
		}
		switch p.Action {
		case "create":
			if p.Data.AssigneeID != nil {
				ev.Type = model.WebhookAssigned
			}
		case "update":
			if assigneeChanged(p.UpdatedFrom) {
				if p.Data.AssigneeID != nil {
					ev.Type = model.WebhookAssigned
				} else {
					ev.Type = model.WebhookUnassigned
				}
			} else {
				ev.Type = model.WebhookStateChanged
			}
		default:
			ev.Type = model.WebhookStateChanged
		}

	case "Comment":
		ev.IssueID = p.Data.IssueID
		ev.Type = model.WebhookCommentAdded
		ev.Comment = &model.Comment{
			Author:   p.Data.UserID,
			Body:     p.Data.Body,
			IsRoot:   p.Data.ParentID == nil,
			ParentID: p.Data.ParentID,
		}
		if sig := parseSignalFromComment(p.Data.Body); sig != nil {
			ev.Type = model.WebhookSignal
			ev.Signal = sig
		}

	default:
		return model.WebhookEvent{}, fmt.Errorf("linear webhook: unrecognized payload type %q", p.Type)
	}

	return ev, nil
}

// assigneeChanged reports whether Linear's updatedFrom diff names
// assigneeId as a changed field.
func assigneeChanged(updatedFrom json.RawMessage) bool {
	if len(updatedFrom) == 0 {
		return false
	}
	var diff map[string]json.RawMessage
	if err := json.Unmarshal(updatedFrom, &diff); err != nil {
		return false
	}
	_, ok := diff["assigneeId"]
	return ok
}

// parseSignalFromComment recognizes a small set of bot-directed control
// comments (e.g. "/stop", "/feedback <text>") as an AgentSignal rather
// than an ordinary comment-added event. Anything else is treated as plain
// conversation.
func parseSignalFromComment(body string) *model.AgentSignal {
	switch {
	case body == "/stop":
		return &model.AgentSignal{Type: model.SignalStop, Reason: "requested via comment"}
	case len(body) > len("/feedback ") && body[:len("/feedback ")] == "/feedback ":
		return &model.AgentSignal{Type: model.SignalFeedback, Message: body[len("/feedback "):]}
	default:
		return nil
	}
}
