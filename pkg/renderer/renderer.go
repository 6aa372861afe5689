// Package renderer defines the Renderer contract from spec §6 — anything
// that can display a live session's activity stream to an observer (TUI,
// browser, log). Implementations (the in-memory fakerenderer, wsrenderer,
// tuirenderer) live in their own sub-packages so the core never pulls in
// their transport dependencies.
package renderer

import (
	"context"

	"github.com/relaycore/sessioncore/pkg/model"
)

// Metadata is the attach-time context a Renderer may want to display
// alongside a session's activity stream.
type Metadata struct {
	IssueID      string
	Identifier   string
	Title        string
	RepositoryID string
}

// Renderer is the full contract from spec §6. pkg/supervisor only depends
// on the PushActivity method (its own narrower Renderer interface); the
// rest exists for pkg/manager and interactive front ends to drive user
// input/stop requests back into the core.
type Renderer interface {
	AttachSession(ctx context.Context, sessionID string, metadata Metadata) error
	PushActivity(ctx context.Context, sessionID string, activity model.Activity) error
	OnUserInput(callback func(sessionID, text string))
	OnStopRequest(callback func(sessionID string))
	DetachSession(ctx context.Context, sessionID string) error
}
