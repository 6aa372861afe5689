package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
)

// ────────────────────────────────────────────────────────────
// Scenario 1: Happy path (full-development)
// ────────────────────────────────────────────────────────────

func TestE2E_HappyPath_FullDevelopment(t *testing.T) {
	app := NewApp(t)

	issue := model.Issue{
		ID:         "issue-1",
		Identifier: "TEAM-1",
		Title:      "Add unit tests for parser",
		State:      "Todo",
	}
	app.AssignIssue(issue)

	sess := app.WaitForState(t, issue.ID, model.SessionCompleted, 5*time.Second)
	require.NotEmpty(t, sess.Activities)

	comments, err := app.Tracker.GetComments(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(comments), 6, "at least one comment per non-terminal subroutine of full-development")
}

// ────────────────────────────────────────────────────────────
// Scenario 2: User stop mid-session
// ────────────────────────────────────────────────────────────

func TestE2E_UserStopMidSession(t *testing.T) {
	app := NewApp(t, WithScript(mock.TextScript([]string{"line1", "line2", "line3", "line4"}, 60*time.Millisecond)))
	app.StartWebhook(t, webhookSecret)

	issue := model.Issue{ID: "issue-2", Identifier: "TEAM-2", Title: "Investigate flaky test", State: "Todo"}
	app.Tracker.SeedIssue(issue)
	app.AssignIssue(issue)

	require.Eventually(t, func() bool {
		sess, err := app.Store.GetByIssue(issue.ID)
		return err == nil && len(sess.Activities) >= 2
	}, 2*time.Second, 10*time.Millisecond, "session should have emitted at least two activities before stopping it")

	resp := PostWebhook(t, app.Addr, webhookSecret, CommentPayload("wh-stop-1", issue.ID, "/stop"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	app.WaitForState(t, issue.ID, model.SessionCanceled, 5*time.Second)

	comments, err := app.Tracker.GetComments(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, comments, "a stop summary comment should have been posted")
}

// ────────────────────────────────────────────────────────────
// Scenario 3: Validation retry
// ────────────────────────────────────────────────────────────

type scriptedValidator struct {
	attempts int
}

func (v *scriptedValidator) Validate(ctx context.Context, sess model.Session, sub string) (bool, string, error) {
	v.attempts++
	return v.attempts >= 4, fmt.Sprintf("iteration %d", v.attempts), nil
}

func TestE2E_ValidationRetry(t *testing.T) {
	validator := &scriptedValidator{}
	app := NewApp(t, WithValidator(validator))

	issue := model.Issue{ID: "issue-3", Identifier: "TEAM-3", Title: "Implement caching layer", State: "Todo"}
	app.AssignIssue(issue)

	sess := app.WaitForState(t, issue.ID, model.SessionCompleted, 5*time.Second)
	assert.Equal(t, 4, validator.attempts, "verifications subroutine must run exactly maxIterations attempts before passing")
	assert.NotEqual(t, model.SessionFailed, sess.State)
}

// ────────────────────────────────────────────────────────────
// Scenario 4: Webhook signature failure
// ────────────────────────────────────────────────────────────

func TestE2E_WebhookSignatureFailure(t *testing.T) {
	app := NewApp(t)
	app.StartWebhook(t, webhookSecret)

	body := IssueCreatedAssignedPayload("wh-4", "issue-4", "TEAM-4", "Bad signature delivery", "", botMemberID)

	resp := PostWebhook(t, app.Addr, "wrong-secret", body, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)
	_, err := app.Store.GetByIssue("issue-4")
	assert.Error(t, err, "a rejected delivery must never reach the manager")

	// A correctly signed redelivery of the same webhook id must still go
	// through — proving the failed attempt never polluted the dedup cache.
	resp2 := PostWebhook(t, app.Addr, webhookSecret, body, "")
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Eventually(t, func() bool {
		_, err := app.Store.GetByIssue("issue-4")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "the valid redelivery should be dispatched, not treated as a duplicate")
}

// ────────────────────────────────────────────────────────────
// Scenario 5: Duplicate webhook
// ────────────────────────────────────────────────────────────

func TestE2E_DuplicateWebhook(t *testing.T) {
	app := NewApp(t)
	app.StartWebhook(t, webhookSecret)

	body := IssueCreatedAssignedPayload("wh-5", "issue-5", "TEAM-5", "Duplicate delivery", "", botMemberID)

	first := PostWebhook(t, app.Addr, webhookSecret, body, "")
	require.Equal(t, http.StatusOK, first.StatusCode)

	require.Eventually(t, func() bool {
		_, err := app.Store.GetByIssue("issue-5")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "first delivery must dispatch and create a session")

	second := PostWebhook(t, app.Addr, webhookSecret, body, "")
	require.Equal(t, http.StatusOK, second.StatusCode)
	respBody, _ := io.ReadAll(second.Body)
	assert.Contains(t, string(respBody), "deduped")
}

// ────────────────────────────────────────────────────────────
// Scenario 6: Attachment overflow
// ────────────────────────────────────────────────────────────

// rewriteTransport redirects every outbound request to addr regardless of
// its original host, letting a test exercise the fixed production
// allowlist in pkg/attachment without reaching the real internet.
type rewriteTransport struct {
	addr string
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = rt.addr
	req.Host = rt.addr
	return http.DefaultTransport.RoundTrip(req)
}

func TestE2E_AttachmentOverflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("fake-image-bytes"))
	}))
	t.Cleanup(server.Close)

	client := &http.Client{Transport: &rewriteTransport{addr: server.Listener.Addr().String()}}
	cache := attachment.New(t.TempDir(), config.DefaultAttachmentConfig(), attachment.WithHTTPClient(client))

	var links strings.Builder
	for i := 1; i <= 15; i++ {
		fmt.Fprintf(&links, "![screenshot %d](https://uploads.linear.app/shots/%d.png)\n", i, i)
	}

	app := NewApp(t, WithAttachments(cache), WithScript(mock.TextScript([]string{"looking into it"}, 5*time.Millisecond)))

	issue := model.Issue{
		ID:          "issue-6",
		Identifier:  "TEAM-6",
		Title:       "Why do these screenshots look wrong?",
		Description: links.String(),
		Labels:      []string{"question"}, // simple-question preset: fewer subroutines, same attachment path
		State:       "Todo",
	}
	app.AssignIssue(issue)

	sess := app.WaitForState(t, issue.ID, model.SessionCompleted, 5*time.Second)
	assert.NotEqual(t, model.SessionFailed, sess.State)

	acts := app.Renderer.Activities(sess.ID)
	var warning *model.Activity
	for i := range acts {
		if acts[i].Kind == model.ActivityWarning && strings.Contains(acts[i].Text, "overflow") {
			warning = &acts[i]
			break
		}
	}
	require.NotNil(t, warning, "an attachment overflow warning activity must be recorded")
	assert.Contains(t, warning.Text, "10")
	assert.Contains(t, warning.Text, "15")
}
