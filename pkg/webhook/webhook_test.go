package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/webhook"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.WebhookEvent
}

func (d *recordingDispatcher) HandleEvent(ctx context.Context, ev model.WebhookEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

func startIngress(t *testing.T, secret string, dispatcher webhook.Dispatcher) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.DefaultWebhookConfig()
	in := webhook.New(cfg, secret, dispatcher, map[string]webhook.Parser{"linear": webhook.LinearParser{}})
	go in.StartWithListener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = in.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func postWebhook(t *testing.T, addr, secret string, body []byte, overrideSig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/webhook/linear", bytes.NewReader(body))
	require.NoError(t, err)
	sig := overrideSig
	if sig == "" {
		sig = sign(secret, body)
	}
	req.Header.Set("X-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func samplePayload(webhookID string) []byte {
	return []byte(fmt.Sprintf(`{"action":"create","type":"Issue","webhookId":%q,"createdAt":"2026-01-01T00:00:00Z","data":{"id":"issue-1","identifier":"TEAM-1","title":"t","assigneeId":"bot"}}`, webhookID))
}

func TestHandleWebhook_BadSignature_Returns401AndNoDispatch(t *testing.T) {
	d := &recordingDispatcher{}
	addr := startIngress(t, "s3cret", d)

	resp := postWebhook(t, addr, "wrong-secret", samplePayload("ev-1"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.count())
}

func TestHandleWebhook_ValidSignature_DispatchesOnce(t *testing.T) {
	d := &recordingDispatcher{}
	addr := startIngress(t, "s3cret", d)

	resp := postWebhook(t, addr, "s3cret", samplePayload("ev-2"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestHandleWebhook_DuplicateID_DedupedOnSecondDelivery(t *testing.T) {
	d := &recordingDispatcher{}
	addr := startIngress(t, "s3cret", d)

	body := samplePayload("ev-dup")
	first := postWebhook(t, addr, "s3cret", body, "")
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := postWebhook(t, addr, "s3cret", body, "")
	require.Equal(t, http.StatusOK, second.StatusCode)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "duplicate webhook id must dispatch exactly once (P5)")
}

func TestHandleWebhook_SingleBitBodyPerturbation_FailsVerification(t *testing.T) {
	d := &recordingDispatcher{}
	addr := startIngress(t, "s3cret", d)

	body := samplePayload("ev-3")
	validSig := sign("s3cret", body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01 // flip one bit near the end, keep it valid-ish JSON length

	resp := postWebhook(t, addr, "s3cret", tampered, validSig)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebhook_MissingSha256Prefix_Returns401(t *testing.T) {
	d := &recordingDispatcher{}
	addr := startIngress(t, "s3cret", d)

	body := samplePayload("ev-4")
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	bareHex := fmt.Sprintf("%x", mac.Sum(nil)) // correct digest, missing the "sha256=" prefix

	resp := postWebhook(t, addr, "s3cret", body, bareHex)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a header without the documented sha256= prefix must be rejected, not compared loosely")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.count())
}
