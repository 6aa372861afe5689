package supervisor

import (
	"context"

	"github.com/relaycore/sessioncore/pkg/model"
)

// Renderer is the narrow slice of the Renderer collaborator from spec §6
// the supervisor needs directly: pushing one activity of a live session to
// an observer (TUI, WebSocket client, log). Any full pkg/renderer.Renderer
// implementation satisfies this structurally. Push errors are never fatal
// to the session — the supervisor logs and moves on.
type Renderer interface {
	PushActivity(ctx context.Context, sessionID string, activity model.Activity) error
}

// CommentPoster is the narrow slice of the IssueTracker contract (spec §6)
// the supervisor needs directly: posting a comment to the tracked issue.
type CommentPoster interface {
	PostComment(ctx context.Context, issueID, body string) error
}

// Validator runs the "separate bounded agent run" spec §4.5 describes for
// validated subroutines, and reports a structured pass/fail verdict.
type Validator interface {
	Validate(ctx context.Context, sess model.Session, subroutine string) (pass bool, reason string, err error)
}
