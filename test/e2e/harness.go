// Package e2e drives the full SessionManager/Supervisor/WebhookIngress
// stack against in-memory collaborators, one test per scenario named in
// spec §8's "End-to-end scenarios (seed test cases)". Grounded on the
// teacher's test/e2e package: a NewTestApp-style harness built from
// functional options (WithConfig, WithLLMClient, WithMCPServers in the
// teacher; WithScript, WithValidator, WithAttachments here), driven
// through real transports where the scenario is about a transport
// (HTTP webhooks) and through the in-process collaborator directly where
// it isn't (tracker assignment), mirroring the teacher's own mix of
// WSConnect/SubmitAlert (real transport) and DB polling (direct).
package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/manager"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
	"github.com/relaycore/sessioncore/pkg/renderer/fakerenderer"
	"github.com/relaycore/sessioncore/pkg/store"
	"github.com/relaycore/sessioncore/pkg/store/memstorage"
	"github.com/relaycore/sessioncore/pkg/supervisor"
	trackermock "github.com/relaycore/sessioncore/pkg/tracker/mock"
	"github.com/relaycore/sessioncore/pkg/webhook"
)

const (
	botMemberID = "bot"
	botAuthor   = "sessioncore-bot"
	webhookSecret = "e2e-secret"
)

// App bundles the running collaborators for one scenario test.
type App struct {
	Manager  *manager.Manager
	Tracker  *trackermock.Tracker
	Store    *store.Store
	Renderer *fakerenderer.Renderer
	Ingress  *webhook.Ingress
	Addr     string // webhook listen address, set once StartWebhook is called

	cancel context.CancelFunc
}

// Option configures an App before it starts running.
type Option func(*appConfig)

type appConfig struct {
	script        mock.ScriptFunc
	validator     supervisor.Validator
	attachments   *attachment.Cache
	maxConcurrent int
	queueCapacity int
}

// WithScript overrides the scripted agent behavior (default: a short fixed
// text script that completes cleanly).
func WithScript(script mock.ScriptFunc) Option {
	return func(c *appConfig) { c.script = script }
}

// WithValidator installs a supervisor.Validator every session's supervisor
// will consult on validated subroutines ("verifications", "reproduce").
func WithValidator(v supervisor.Validator) Option {
	return func(c *appConfig) { c.validator = v }
}

// WithAttachments installs an AttachmentCache (default: nil, meaning no
// attachment manifest is attempted).
func WithAttachments(cache *attachment.Cache) Option {
	return func(c *appConfig) { c.attachments = cache }
}

// WithMaxConcurrent overrides the admission cap (default 4, high enough
// that ordinary scenario tests don't queue by accident).
func WithMaxConcurrent(n int) Option {
	return func(c *appConfig) { c.maxConcurrent = n }
}

// NewApp builds and starts a Manager wired to in-memory collaborators, per
// the scenario options given. The Manager's Run loop is stopped
// automatically on test cleanup.
func NewApp(t *testing.T, opts ...Option) *App {
	t.Helper()

	cfg := appConfig{
		script:        mock.TextScript([]string{"working"}, 5*time.Millisecond),
		maxConcurrent: 4,
		queueCapacity: 10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	trk := trackermock.New()
	trk.SeedMember(model.Member{ID: botMemberID, Name: "Session Core Bot"})

	st := store.New(memstorage.New(), config.DefaultStoreConfig())
	render := fakerenderer.New()
	engine := procedure.New(config.DefaultProcedureConfig())

	deps := manager.Deps{
		Store:       st,
		Tracker:     trk,
		Procedure:   engine,
		Prompts:     prompt.New(attachment.NewPluginRouter(nil)),
		Attachments: cfg.attachments,
		Renderer:    render,
		Validator:   cfg.validator,
		BotAuthor:   botAuthor,
		MemberID:    botMemberID,
		Config: config.ManagerConfig{
			MaxConcurrentSessions: cfg.maxConcurrent,
			QueueCapacity:         cfg.queueCapacity,
			ShutdownGrace:         2 * time.Second,
		},
		SupervisorConfig: config.DefaultSupervisorConfig(),
	}

	mgr := manager.New(deps, func(sess *model.Session) agentadapter.Runner {
		return mock.New(cfg.script, false, 1024)
	})

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{Manager: mgr, Tracker: trk, Store: st, Renderer: render, cancel: cancel}

	go mgr.Run(ctx)
	t.Cleanup(func() {
		mgr.Shutdown(context.Background())
		cancel()
	})

	// Give Run a moment to subscribe to WatchIssues before any caller
	// publishes an assignment event, since the tracker mock drops events
	// for members with no registered watcher yet.
	time.Sleep(30 * time.Millisecond)
	return app
}

// StartWebhook brings up a real HTTP WebhookIngress in front of the app's
// Manager (as its Dispatcher), bound to an ephemeral loopback port.
func (a *App) StartWebhook(t *testing.T, secret string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	parsers := map[string]webhook.Parser{"linear": webhook.LinearParser{}}
	a.Ingress = webhook.New(config.DefaultWebhookConfig(), secret, a.Manager, parsers)
	a.Addr = ln.Addr().String()

	go a.Ingress.StartWithListener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Ingress.Shutdown(ctx)
	})
}

// AssignIssue seeds issue and publishes an "assigned" event to the
// manager, as if the tracker had just assigned it to the bot.
func (a *App) AssignIssue(issue model.Issue) {
	a.Tracker.AssignToMember(botMemberID, issue)
}

// WaitForState polls the store until issueID's session reaches want, or
// fails the test after timeout.
func (a *App) WaitForState(t *testing.T, issueID string, want model.SessionState, timeout time.Duration) *model.Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sess, err := a.Store.GetByIssue(issueID)
		if err == nil && sess.State == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	sess, err := a.Store.GetByIssue(issueID)
	if err != nil {
		t.Fatalf("session for issue %s never appeared in store (want state %s): %v", issueID, want, err)
	}
	t.Fatalf("session for issue %s did not reach state %s within %s (last seen: %s)", issueID, want, timeout, sess.State)
	return nil
}

// SignWebhookBody computes the documented "sha256=<hex>" signature.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

// PostWebhook delivers body to addr's linear webhook route, signed with
// secret unless sigOverride is non-empty.
func PostWebhook(t *testing.T, addr, secret string, body []byte, sigOverride string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/webhook/linear", bytes.NewReader(body))
	require.NoError(t, err)
	sig := sigOverride
	if sig == "" {
		sig = SignWebhookBody(secret, body)
	}
	req.Header.Set("X-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// IssueCreatedAssignedPayload builds a Linear "Issue create" webhook body
// that assigns issueID to assigneeID.
func IssueCreatedAssignedPayload(webhookID, issueID, identifier, title, description, assigneeID string) []byte {
	return []byte(fmt.Sprintf(
		`{"action":"create","type":"Issue","webhookId":%q,"createdAt":"2026-01-01T00:00:00Z","data":{"id":%q,"identifier":%q,"title":%q,"description":%q,"assigneeId":%q}}`,
		webhookID, issueID, identifier, title, description, assigneeID))
}

// CommentPayload builds a Linear "Comment create" webhook body.
func CommentPayload(webhookID, issueID, body string) []byte {
	return []byte(fmt.Sprintf(
		`{"action":"create","type":"Comment","webhookId":%q,"createdAt":"2026-01-01T00:00:00Z","data":{"issueId":%q,"body":%q,"userId":"user-1"}}`,
		webhookID, issueID, body))
}
