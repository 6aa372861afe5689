package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// oauthState tracks in-flight OAuth authorization-code exchanges (spec
// §4.7's direct-mode callback): CSRF state tokens with a TTL, and pending
// callback registrations keyed by that same state, also with a TTL.
// Expiry is checked lazily, same as dedupeCache — this core has no
// background sweep goroutines by design; see DESIGN.md.
type oauthState struct {
	pendingTTL time.Duration
	stateTTL   time.Duration

	exchanger oauth2.Config

	mu        sync.Mutex
	states    map[string]time.Time
	callbacks map[string]pendingCallback
}

type pendingCallback struct {
	cb        func(OAuthCredentials)
	expiresAt time.Time
}

func newOAuthState(pendingTTL, stateTTL time.Duration) *oauthState {
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &oauthState{
		pendingTTL: pendingTTL,
		stateTTL:   stateTTL,
		states:     make(map[string]time.Time),
		callbacks:  make(map[string]pendingCallback),
	}
}

// SetExchanger configures the oauth2.Config used for the authorization-code
// exchange. The host process wires this with the tracker's actual token
// endpoint and client credentials; left zero-valued, exchange fails closed.
func (s *oauthState) SetExchanger(cfg oauth2.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanger = cfg
}

func (s *oauthState) newState() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	state := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = time.Now().Add(s.stateTTL)
	return state
}

func (s *oauthState) consumeState(state string) bool {
	if state == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.states[state]
	delete(s.states, state)
	if !ok {
		return false
	}
	return time.Now().Before(expiresAt)
}

func (s *oauthState) registerCallback(state string, cb func(OAuthCredentials)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[state] = pendingCallback{cb: cb, expiresAt: time.Now().Add(s.pendingTTL)}
}

func (s *oauthState) deliver(state string, creds OAuthCredentials) {
	s.mu.Lock()
	pc, ok := s.callbacks[state]
	delete(s.callbacks, state)
	s.mu.Unlock()

	if !ok || time.Now().After(pc.expiresAt) {
		return
	}
	pc.cb(creds)
}

// exchange performs the standard authorization-code-for-token exchange
// (spec §4.7: "standard POST /oauth/token flow") using golang.org/x/oauth2,
// resolving to the core's own OAuthCredentials shape. workspaceId and
// workspaceName are read from the token's extras when the tracker's token
// endpoint returns them (as Linear's does); absent either, they're left
// empty and it's the caller's responsibility to resolve them via a
// follow-up API call if needed.
func (s *oauthState) exchange(ctx context.Context, code string) (OAuthCredentials, error) {
	s.mu.Lock()
	cfg := s.exchanger
	s.mu.Unlock()

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return OAuthCredentials{}, err
	}

	creds := OAuthCredentials{AccessToken: tok.AccessToken}
	if wsID, ok := tok.Extra("workspace_id").(string); ok {
		creds.WorkspaceID = wsID
	}
	if wsName, ok := tok.Extra("workspace_name").(string); ok {
		creds.WorkspaceName = wsName
	}
	return creds, nil
}
