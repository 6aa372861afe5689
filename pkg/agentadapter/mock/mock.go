// Package mock implements agentadapter.Runner with scripted event
// sequences, for use in tests and the `-mock` demo mode of cmd/sessioncore.
// Grounded on the teacher's test/e2e.ScriptedLLMClient: a script is
// consumed deterministically per session rather than driving a real model.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/model"
)

// Script is the scripted behavior for one Start/Resume call.
type Script struct {
	// Events is replayed in order, one per Step, onto the session's event
	// stream. A script that doesn't end in an EventComplete/EventError
	// closes the stream without a terminal event once its last event and
	// Step delay have passed; Stop ends it earlier.
	Events []agentadapter.Event
	// Step is the delay between scripted events; zero means "as fast as
	// the buffer can be drained".
	Step time.Duration
}

// ScriptFunc selects a Script for a Start/Resume call, keyed on the
// request so callers can script different behavior per session or per
// prompt content (e.g. to simulate a validator failing the first two
// iterations).
type ScriptFunc func(cfg agentadapter.RunConfig) Script

// Runner is a scripted agentadapter.Runner implementation.
type Runner struct {
	script        ScriptFunc
	streaming     bool
	highWatermark int

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	buf      *agentadapter.EventBuffer
	cancel   context.CancelFunc
	running  bool
	stopOnce sync.Once
}

// New creates a mock Runner. scriptFunc supplies the event sequence for
// each Start/Resume call; streaming sets SupportsStreamingInput.
func New(scriptFunc ScriptFunc, streaming bool, highWatermark int) *Runner {
	return &Runner{
		script:        scriptFunc,
		streaming:     streaming,
		highWatermark: highWatermark,
		sessions:      make(map[string]*session),
	}
}

func (r *Runner) SupportsStreamingInput() bool { return r.streaming }

func (r *Runner) Start(ctx context.Context, cfg agentadapter.RunConfig) (*agentadapter.Handle, error) {
	agentSessionID := uuid.NewString()
	return r.launch(ctx, agentSessionID, cfg)
}

func (r *Runner) Resume(ctx context.Context, cfg agentadapter.RunConfig) (*agentadapter.Handle, error) {
	agentSessionID := cfg.PriorAgentSessionID
	if agentSessionID == "" {
		agentSessionID = uuid.NewString()
	}
	return r.launch(ctx, agentSessionID, cfg)
}

func (r *Runner) launch(ctx context.Context, agentSessionID string, cfg agentadapter.RunConfig) (*agentadapter.Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	buf := agentadapter.NewEventBuffer(r.highWatermark, nil, nil)
	sess := &session{buf: buf, cancel: cancel, running: true}

	r.mu.Lock()
	r.sessions[agentSessionID] = sess
	r.mu.Unlock()

	script := r.script(cfg)
	go r.run(runCtx, agentSessionID, sess, script)

	return &agentadapter.Handle{
		AgentSessionID: agentSessionID,
		StartedAt:      time.Now(),
		Events:         buf.Out(),
	}, nil
}

func (r *Runner) run(ctx context.Context, agentSessionID string, sess *session, script Script) {
	defer func() {
		r.mu.Lock()
		sess.running = false
		r.mu.Unlock()
		sess.buf.Close()
	}()

	for _, ev := range script.Events {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sess.buf.Push(ev)
		if ev.Type == agentadapter.EventComplete || ev.Type == agentadapter.EventError {
			return
		}
		if script.Step > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(script.Step):
			}
		}
	}
}

func (r *Runner) SendMessage(ctx context.Context, agentSessionID, message string) error {
	if !r.streaming {
		return fmt.Errorf("agentadapter/mock: SendMessage unsupported, SupportsStreamingInput is false")
	}
	r.mu.Lock()
	sess, ok := r.sessions[agentSessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agentadapter/mock: unknown session %q", agentSessionID)
	}
	sess.buf.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "(ack) " + message})
	return nil
}

// Stop is idempotent and emits a terminal complete event tagged with exit
// code 130 (conventional "stopped by signal" code) within the mock's
// near-instant grace period, per spec §4.4.
func (r *Runner) Stop(ctx context.Context, agentSessionID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[agentSessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sess.stopOnce.Do(func() {
		sess.buf.Push(agentadapter.Event{
			Type: agentadapter.EventComplete,
			Summary: &model.CompletionSummary{
				ExitCode: 130,
				Summary:  "stopped by user",
			},
		})
		sess.cancel()
	})
	return nil
}

func (r *Runner) IsRunning(agentSessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[agentSessionID]
	return ok && sess.running
}

func (r *Runner) GetEventStream(agentSessionID string) (<-chan agentadapter.Event, error) {
	r.mu.Lock()
	sess, ok := r.sessions[agentSessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agentadapter/mock: unknown session %q", agentSessionID)
	}
	return sess.buf.Out(), nil
}

// TextScript is a convenience ScriptFunc for tests: every session replays
// the same fixed sequence of text activities and then completes cleanly.
func TextScript(lines []string, step time.Duration) ScriptFunc {
	return func(cfg agentadapter.RunConfig) Script {
		events := make([]agentadapter.Event, 0, len(lines)+1)
		for _, l := range lines {
			events = append(events, agentadapter.Event{Type: agentadapter.EventText, Content: l})
		}
		events = append(events, agentadapter.Event{
			Type: agentadapter.EventComplete,
			Summary: &model.CompletionSummary{
				ExitCode: 0,
				Summary:  "done",
			},
		})
		return Script{Events: events, Step: step}
	}
}
