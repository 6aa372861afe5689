// Package fakerenderer implements renderer.Renderer as a simple recorder,
// for unit tests that need to assert on activity ordering (spec P2)
// without a real transport.
package fakerenderer

import (
	"context"
	"sync"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/renderer"
)

// Renderer records every pushed activity per session, in arrival order.
type Renderer struct {
	mu          sync.Mutex
	attached    map[string]renderer.Metadata
	activities  map[string][]model.Activity
	onUserInput func(sessionID, text string)
	onStop      func(sessionID string)
}

// New creates an empty Renderer.
func New() *Renderer {
	return &Renderer{
		attached:   make(map[string]renderer.Metadata),
		activities: make(map[string][]model.Activity),
	}
}

func (r *Renderer) AttachSession(ctx context.Context, sessionID string, metadata renderer.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached[sessionID] = metadata
	return nil
}

func (r *Renderer) PushActivity(ctx context.Context, sessionID string, activity model.Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[sessionID] = append(r.activities[sessionID], activity)
	return nil
}

func (r *Renderer) OnUserInput(callback func(sessionID, text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserInput = callback
}

func (r *Renderer) OnStopRequest(callback func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = callback
}

func (r *Renderer) DetachSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, sessionID)
	return nil
}

// Activities returns the recorded activity log for sessionID, in arrival
// order, for test assertions.
func (r *Renderer) Activities(sessionID string) []model.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Activity(nil), r.activities[sessionID]...)
}

// SimulateUserInput invokes the registered OnUserInput callback, if any —
// lets tests drive the renderer->supervisor direction of the contract.
func (r *Renderer) SimulateUserInput(sessionID, text string) {
	r.mu.Lock()
	cb := r.onUserInput
	r.mu.Unlock()
	if cb != nil {
		cb(sessionID, text)
	}
}

// SimulateStopRequest invokes the registered OnStopRequest callback, if any.
func (r *Renderer) SimulateStopRequest(sessionID string) {
	r.mu.Lock()
	cb := r.onStop
	r.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}
