// Package webhook implements WebhookIngress (spec §4.7): an HTTP server
// that receives signed tracker webhooks, verifies and deduplicates them,
// and dispatches the parsed event onward. Grounded on the teacher's
// pkg/api.Server — an echo/v5 instance wired up in a constructor and
// driven via Start/StartWithListener/Shutdown.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
)

// Dispatcher is the narrow slice of SessionManager the ingress needs:
// routing a parsed, deduplicated WebhookEvent onward. Defined here
// rather than imported from pkg/manager so the ingress does not depend on
// the manager package.
type Dispatcher interface {
	HandleEvent(ctx context.Context, ev model.WebhookEvent) error
}

// Parser decodes a tracker-specific webhook payload into the core's
// WebhookEvent representation. One Parser is registered per tracker name
// (the "<tracker>" segment of POST /webhook/<tracker>) since different
// trackers shape their payloads differently; the core is tracker-agnostic
// beyond this seam.
type Parser interface {
	Parse(body []byte) (model.WebhookEvent, error)
}

// OAuthCredentials is delivered to a registered callback handler once an
// authorization code is exchanged for a token (spec §4.7, direct-mode
// OAuth callback).
type OAuthCredentials struct {
	AccessToken   string
	WorkspaceID   string
	WorkspaceName string
}

// Ingress is the WebhookIngress component: an HTTP server validating,
// deduping, and routing inbound tracker webhooks.
type Ingress struct {
	cfg        config.WebhookConfig
	secret     string
	dispatcher Dispatcher
	parsers    map[string]Parser
	dedupe     *dedupeCache
	oauth      *oauthState

	echo       *echo.Echo
	httpServer *http.Server
}

// New creates an Ingress. secret is the shared HMAC key used to verify
// every inbound webhook body; parsers maps tracker name (the URL segment)
// to its payload Parser.
func New(cfg config.WebhookConfig, secret string, dispatcher Dispatcher, parsers map[string]Parser) *Ingress {
	in := &Ingress{
		cfg:        cfg,
		secret:     secret,
		dispatcher: dispatcher,
		parsers:    parsers,
		dedupe:     newDedupeCache(cfg.DedupCapacity, cfg.DedupWindow),
		oauth:      newOAuthState(cfg.OAuthPendingTTL, cfg.OAuthStateTTL),
	}

	e := echo.New()
	in.echo = e
	in.setupRoutes()
	return in
}

func (in *Ingress) setupRoutes() {
	in.echo.POST("/webhook/:tracker", in.handleWebhook)
	in.echo.GET("/callback", in.handleOAuthCallback)
	in.echo.GET("/oauth/authorize", in.handleOAuthAuthorize)
	in.echo.GET("/approval", in.handleApproval)
}

// Start starts the HTTP server on addr (blocking, like the teacher's
// api.Server.Start).
func (in *Ingress) Start(addr string) error {
	in.httpServer = &http.Server{Addr: addr, Handler: in.echo}
	return in.httpServer.ListenAndServe()
}

// StartWithListener starts on a pre-created listener — used by tests that
// want a random OS-assigned port.
func (in *Ingress) StartWithListener(ln net.Listener) error {
	in.httpServer = &http.Server{Handler: in.echo}
	return in.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (in *Ingress) Shutdown(ctx context.Context) error {
	if in.httpServer == nil {
		return nil
	}
	return in.httpServer.Shutdown(ctx)
}

// RegisterOAuthCallback registers cb to receive the next successfully
// exchanged OAuthCredentials for state. Pending registrations expire
// after cfg.OAuthPendingTTL (spec §4.7: "default 5 minutes").
func (in *Ingress) RegisterOAuthCallback(state string, cb func(OAuthCredentials)) {
	in.oauth.registerCallback(state, cb)
}

// NewCSRFState mints a fresh OAuth CSRF state token, valid for
// cfg.OAuthStateTTL (spec §4.7: "default 10 minutes").
func (in *Ingress) NewCSRFState() string {
	return in.oauth.newState()
}

func (in *Ingress) handleWebhook(c *echo.Context) error {
	tracker := c.Param("tracker")
	parser, ok := in.parsers[tracker]
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	sig := c.Request().Header.Get("X-Signature")
	if !verifySignature(in.secret, body, sig) {
		return c.NoContent(http.StatusUnauthorized)
	}

	ev, err := parser.Parse(body)
	if err != nil {
		slog.Warn("webhook: payload parse failed", "tracker", tracker, "error", err)
		return c.NoContent(http.StatusBadRequest)
	}

	now := time.Now()
	if in.dedupe.SeenBefore(ev.ID, now) {
		return c.JSON(http.StatusOK, map[string]string{"status": "deduped"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), in.cfg.AckTimeout)
	defer cancel()

	err = in.dispatcher.HandleEvent(ctx, ev)
	if errors.Is(err, context.DeadlineExceeded) {
		// Not marked dedup-processed so the tracker's own retry re-delivers it.
		in.dedupe.Forget(ev.ID)
		return c.NoContent(http.StatusGatewayTimeout)
	}
	if err != nil {
		slog.Error("webhook: dispatch failed", "event_id", ev.ID, "error", err)
		in.dedupe.Forget(ev.ID)
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// signaturePrefix is the wire format documented in spec §6:
// "X-Signature: sha256=<hex>".
const signaturePrefix = "sha256="

// verifySignature checks sig against the "sha256=<hex>" HMAC-SHA256 of body
// under secret using a constant-time comparison, the idiom observed
// throughout the example corpus for webhook/token verification. A header
// missing the documented prefix is rejected outright rather than compared.
func verifySignature(secret string, body []byte, sig string) bool {
	if secret == "" || sig == "" {
		return false
	}
	digest, ok := strings.CutPrefix(sig, signaturePrefix)
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := fmt.Sprintf("%x", mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}

func (in *Ingress) handleOAuthAuthorize(c *echo.Context) error {
	state := in.NewCSRFState()
	return c.JSON(http.StatusOK, map[string]string{"state": state})
}

func (in *Ingress) handleOAuthCallback(c *echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")

	if !in.oauth.consumeState(state) {
		return c.NoContent(http.StatusBadRequest)
	}
	if code == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	creds, err := in.oauth.exchange(c.Request().Context(), code)
	if err != nil {
		slog.Error("webhook: oauth token exchange failed", "error", err)
		return c.NoContent(http.StatusBadGateway)
	}

	in.oauth.deliver(state, creds)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleApproval serves the human-in-the-loop approval namespace the
// core owns the shape of but not the business logic for — it just
// acknowledges so an operator-facing admin UI (outside this core) can
// poll it. Kept intentionally thin per spec §4.7 ("an admin namespace the
// core does not own").
func (in *Ingress) handleApproval(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "pending"})
}
