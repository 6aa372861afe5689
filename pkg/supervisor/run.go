package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/prompt"
)

// outcome is what a single subroutine pump loop decided happened.
type outcome int

const (
	outcomeComplete outcome = iota
	outcomeAgentError
	outcomeStopped
	outcomeCanceled
)

// Run drives sess through its ProcedureState to a terminal state. It must
// be called exactly once per Supervisor, typically as its own goroutine;
// Done() closes when it returns. ctx is the manager-wide shutdown context —
// its cancellation is treated the same as an explicit stop signal, per
// spec §5 ("all network I/O is cancellable via a context propagated down
// from SessionManager.stop").
func (sv *Supervisor) Run(ctx context.Context) {
	defer close(sv.doneCh)

	sv.commentTimer = time.NewTimer(time.Hour)
	if !sv.commentTimer.Stop() {
		<-sv.commentTimer.C
	}
	defer sv.commentTimer.Stop()

	sv.updateSession(func(s *model.Session) { s.State = model.SessionStarting })

	firstLaunch := true
	for {
		state := sv.snapshot()
		sub := state.Procedure.CurrentSubroutine()
		if state.Procedure.Done() {
			sv.finish(ctx, model.SessionCompleted, "")
			return
		}

		var oc outcome
		var failErr error
		if state.Procedure.Name == procedure.PresetDebugger && sub == "reproduce" {
			oc, failErr = sv.runReproduceSubroutine(ctx, state)
		} else {
			oc, failErr = sv.runSubroutine(ctx, state, sub, firstLaunch)
		}
		firstLaunch = false

		switch oc {
		case outcomeStopped, outcomeCanceled:
			sv.finish(ctx, model.SessionCanceled, "")
			return
		case outcomeAgentError:
			if sv.retryAfterAgentError(ctx, failErr) {
				continue // relaunch the same subroutine
			}
			sv.postFailureComment(ctx, failErr)
			sv.finish(ctx, model.SessionFailed, failErr.Error())
			return
		case outcomeComplete:
			adv := sv.advance(ctx, sub)
			if adv.Terminal {
				reason := fmt.Sprintf("validation failed after %d iterations on subroutine %q", sv.snapshot().Procedure.Validation.Iteration, sub)
				sv.postFailureComment(ctx, fmt.Errorf("%s", reason))
				sv.finish(ctx, model.SessionFailed, reason)
				return
			}
			// Advanced or Retry: loop back around — Advanced moves to the
			// next subroutine, Retry reruns the same one.
		}
	}
}

func (sv *Supervisor) snapshot() model.Session {
	return *sv.sess
}

// finish transitions to a terminal state and records the outcome.
func (sv *Supervisor) finish(ctx context.Context, state model.SessionState, reason string) {
	sv.updateSession(func(s *model.Session) {
		s.State = state
		s.FailureReason = reason
	})
}

// retryAfterAgentError applies spec §4.6's agent-error retry policy:
// up to cfg.MaxRetries restarts with exponential backoff (base, 4x, 16x),
// reusing the prior ProcedureState. Returns true if a retry was taken.
func (sv *Supervisor) retryAfterAgentError(ctx context.Context, cause error) bool {
	sess := sv.snapshot()
	if sess.RetryCount >= sv.deps.Config.MaxRetries {
		return false
	}
	delay := sv.deps.Config.RetryBaseDelay
	for i := 0; i < sess.RetryCount; i++ {
		delay *= 4
	}
	sv.updateSession(func(s *model.Session) { s.RetryCount++ })
	sv.log.Warn("agent error, retrying", "error", cause, "retry", sess.RetryCount+1, "delay", delay)
	select {
	case <-time.After(delay):
		return true
	case <-sv.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// advance folds a subroutine's completion into ProcedureState via the
// engine, recording validation history for validated subroutines.
func (sv *Supervisor) advance(ctx context.Context, sub string) procedure.AdvanceResult {
	var result procedure.AdvanceResult
	sv.updateSession(func(s *model.Session) {
		if procedure.IsValidated(sub) {
			// runSubroutine already ran the validator and stashed the
			// verdict in Metadata for us to consume exactly once.
			pass := s.Metadata["_last_validation_pass"] == "true"
			reason := s.Metadata["_last_validation_reason"]
			delete(s.Metadata, "_last_validation_pass")
			delete(s.Metadata, "_last_validation_reason")
			result = sv.deps.Procedure.RecordValidation(&s.Procedure, pass, reason)
		} else {
			result = sv.deps.Procedure.AdvanceAfterComplete(&s.Procedure)
		}
	})
	return result
}

// runSubroutine assembles a prompt, launches (or resumes) the agent, and
// pumps its event stream into the activity log, renderer and tracker until
// a terminal event, a stop, or ctx cancellation. For validated
// subroutines it then runs the configured Validator and stashes the
// verdict for advance() to consume.
func (sv *Supervisor) runSubroutine(ctx context.Context, sess model.Session, sub string, firstLaunch bool) (outcome, error) {
	in := sv.promptInput(sess, sub, firstLaunch)
	sv.attachManifest(ctx, &in)
	res := sv.deps.Prompts.Assemble(in)

	cfg := agentadapter.RunConfig{
		SessionID:           sess.ID,
		WorkingDir:          sess.WorkingDir,
		UserPrompt:          res.UserPrompt,
		SystemPrompt:        res.SystemPrompt,
		PriorAgentSessionID: sess.AgentSessionID,
		MCPServers:          sv.resolvePlugins(ctx, res.Plugins),
	}

	handle, err := sv.launch(ctx, cfg, firstLaunch)
	if err != nil {
		return outcomeAgentError, fmt.Errorf("launching agent: %w", err)
	}
	sv.updateSession(func(s *model.Session) {
		s.AgentSessionID = handle.AgentSessionID
		s.State = model.SessionRunning
	})

	oc, summary, failErr := sv.pump(ctx, handle.Events)
	if oc != outcomeComplete {
		return oc, failErr
	}

	if !procedure.IsValidated(sub) {
		return outcomeComplete, nil
	}

	pass, reason := sv.validate(ctx, sess, sub, summary)
	sv.updateSession(func(s *model.Session) {
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		s.Metadata["_last_validation_pass"] = fmt.Sprintf("%t", pass)
		s.Metadata["_last_validation_reason"] = reason
	})
	return outcomeComplete, nil
}

func (sv *Supervisor) validate(ctx context.Context, sess model.Session, sub string, summary *model.CompletionSummary) (bool, string) {
	if sv.deps.Validator == nil {
		return true, "no validator configured"
	}
	pass, reason, err := sv.deps.Validator.Validate(ctx, sess, sub)
	if err != nil {
		sv.log.Warn("validator error, treating as fail", "error", err)
		return false, err.Error()
	}
	return pass, reason
}

// launch starts a brand-new agent session on the very first subroutine of
// a brand-new session, and resumes (carrying AgentSessionID forward)
// every other time — new subroutine, validation retry, or post-error
// restart all reuse the same underlying agent-side session per spec
// §4.5's "each subroutine produces its own prompt" against one running
// session.
func (sv *Supervisor) launch(ctx context.Context, cfg agentadapter.RunConfig, firstLaunch bool) (*agentadapter.Handle, error) {
	if firstLaunch && cfg.PriorAgentSessionID == "" {
		return sv.deps.Agent.Start(ctx, cfg)
	}
	return sv.deps.Agent.Resume(ctx, cfg)
}

// promptInput selects the prompt Kind for a subroutine launch. The very
// first subroutine of a session uses the full assignment-based (or
// streaming) prompt; every subsequent subroutine launch within the same
// session has no inbound trigger, so it falls back to issue-context +
// subroutine-body only (spec §4.3 "Fallback" kind).
func (sv *Supervisor) promptInput(sess model.Session, sub string, firstLaunch bool) prompt.Input {
	kind := prompt.KindFallback
	if firstLaunch {
		kind = prompt.KindNewAssignment
		if sv.deps.Agent.SupportsStreamingInput() {
			kind = prompt.KindNewStreaming
		}
	}
	return prompt.Input{
		Kind:         kind,
		Issue:        sv.issue,
		Subroutine:   sub,
		Validated:    procedure.IsValidated(sub),
		RepositoryID: sess.RepositoryID,
		WorkingDir:   sess.WorkingDir,
	}
}

// attachManifest fetches the issue's attachment manifest (spec §4.2) and
// folds it into in, recording any overflow/fetch-failure warnings as
// Activities. Continuation-kind prompts carry their own attachment list
// from the triggering comment instead, so they're left untouched.
func (sv *Supervisor) attachManifest(ctx context.Context, in *prompt.Input) {
	if sv.deps.Attachments == nil || in.Kind == prompt.KindContinuation {
		return
	}
	atts, warnings, err := sv.deps.Attachments.Manifest(ctx, sv.issue)
	if err != nil {
		sv.log.Warn("attachment manifest failed", "error", err)
		return
	}
	in.Attachments = atts
	for _, w := range warnings {
		act := model.Activity{Kind: model.ActivityWarning, CreatedAt: time.Now(), Text: w.Message}
		sv.updateSession(func(s *model.Session) {
			act.Sequence = s.NextSequence()
			s.Activities = append(s.Activities, act)
		})
		sv.render(ctx, act)
	}
}

// resolvePlugins capability-probes resolved (the issue's label-routed MCP
// plugins, per spec §4.3) and returns only the ones that answered, folding
// each unreachable plugin into a warning Activity rather than failing the
// launch — probe failures are non-fatal, same as attachManifest's fetch
// failures above.
func (sv *Supervisor) resolvePlugins(ctx context.Context, resolved []attachment.PluginSpec) []attachment.PluginSpec {
	if sv.deps.PluginRouter == nil || len(resolved) == 0 {
		return nil
	}

	timeout := sv.deps.Config.PluginProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	results := sv.deps.PluginRouter.Probe(ctx, resolved, timeout)
	var ok []attachment.PluginSpec
	for _, r := range results {
		if r.Reachable {
			ok = append(ok, r.Spec)
			continue
		}
		act := model.Activity{
			Kind:      model.ActivityWarning,
			CreatedAt: time.Now(),
			Text:      fmt.Sprintf("plugin %q unreachable, continuing without it: %v", r.Spec.Command, r.Err),
		}
		sv.updateSession(func(s *model.Session) {
			act.Sequence = s.NextSequence()
			s.Activities = append(s.Activities, act)
		})
		sv.render(ctx, act)
	}
	return ok
}

// pump drains one agent event stream into the activity log, renderer and
// (batched) tracker comments, until a terminal event arrives or the
// supervisor is asked to stop. It returns the completion summary on a
// clean complete, so validated subroutines can inspect it.
func (sv *Supervisor) pump(ctx context.Context, events <-chan agentadapter.Event) (outcome, *model.CompletionSummary, error) {
	for {
		select {
		case <-sv.stopCh:
			return sv.stopAgent(ctx, events), nil, nil

		case <-ctx.Done():
			sv.stopAgentBestEffort(context.Background())
			return outcomeCanceled, nil, nil

		case sig := <-sv.signalCh:
			sv.handleFeedback(ctx, sig)

		case <-sv.commentTimer.C:
			sv.flushPendingComment(ctx)

		case ev, ok := <-events:
			if !ok {
				return outcomeComplete, nil, fmt.Errorf("agent event stream closed without a terminal event")
			}
			done, summary, failErr := sv.applyEvent(ctx, ev)
			if done {
				if failErr != nil {
					return outcomeAgentError, nil, failErr
				}
				return outcomeComplete, summary, nil
			}
		}
	}
}

// applyEvent appends one agent event as an Activity, renders it, and
// folds it into the tracker-comment batching scheme. It returns done=true
// once a terminal (complete/error) event has been applied.
func (sv *Supervisor) applyEvent(ctx context.Context, ev agentadapter.Event) (done bool, summary *model.CompletionSummary, failErr error) {
	act := sv.toActivity(ev)

	sv.updateSession(func(s *model.Session) {
		act.Sequence = s.NextSequence()
		s.Activities = append(s.Activities, act)
	})
	sv.render(ctx, act)

	switch ev.Type {
	case agentadapter.EventText:
		sv.pendingText.WriteString(ev.Content)
		sv.pendingText.WriteString("\n")
		sv.commentTimer.Reset(sv.deps.Config.CommentBatchWindow)
		return false, nil, nil
	case agentadapter.EventToolUse, agentadapter.EventToolResult:
		sv.flushPendingComment(ctx)
		sv.postComment(ctx, formatToolComment(ev))
		return false, nil, nil
	case agentadapter.EventComplete:
		sv.flushPendingComment(ctx)
		return true, ev.Summary, nil
	case agentadapter.EventError:
		sv.flushPendingComment(ctx)
		return true, nil, fmt.Errorf("agent error: %s", ev.Message)
	default:
		return false, nil, nil
	}
}

func (sv *Supervisor) toActivity(ev agentadapter.Event) model.Activity {
	now := time.Now()
	switch ev.Type {
	case agentadapter.EventText:
		return model.Activity{Kind: model.ActivityText, CreatedAt: now, Text: ev.Content}
	case agentadapter.EventToolUse:
		return model.Activity{Kind: model.ActivityToolUse, CreatedAt: now, Tool: ev.Tool, ToolInput: ev.ToolInput}
	case agentadapter.EventToolResult:
		return model.Activity{Kind: model.ActivityToolResult, CreatedAt: now, Tool: ev.Tool, ToolResult: ev.ToolResult, IsError: ev.IsError}
	case agentadapter.EventError:
		return model.Activity{Kind: model.ActivityError, CreatedAt: now, Text: ev.Message}
	case agentadapter.EventComplete:
		return model.Activity{Kind: model.ActivityComplete, CreatedAt: now, Summary: ev.Summary}
	default:
		return model.Activity{Kind: model.ActivityWarning, CreatedAt: now, Text: fmt.Sprintf("unrecognized agent event type %q", ev.Type)}
	}
}

// handleFeedback applies an inbound AgentSignal that isn't a stop. Start
// signals are a no-op (the session is already running). Feedback is sent
// on the live stream via SendMessage; when the send fails (for example
// because the adapter does not support streaming input), the supervisor
// records a warning Activity and the feedback is dropped: it is not
// queued, and no later subroutine prompt includes it.
func (sv *Supervisor) handleFeedback(ctx context.Context, sig model.AgentSignal) {
	if sig.Type != model.SignalFeedback {
		return
	}
	sess := sv.snapshot()
	if err := sv.deps.Agent.SendMessage(ctx, sess.AgentSessionID, sig.Message); err != nil {
		sv.log.Warn("feedback send failed, dropping it", "error", err)
		sv.updateSession(func(s *model.Session) {
			warn := model.Activity{Kind: model.ActivityWarning, CreatedAt: time.Now(), Text: "feedback could not be delivered to the live agent stream and was not applied"}
			warn.Sequence = s.NextSequence()
			s.Activities = append(s.Activities, warn)
		})
	}
}

// stopAgent calls Stop and waits up to StopGracePeriod for the terminal
// event the contract guarantees (spec §4.4), then forces canceled
// regardless (spec §4.6).
func (sv *Supervisor) stopAgent(ctx context.Context, events <-chan agentadapter.Event) outcome {
	sess := sv.snapshot()
	_ = sv.deps.Agent.Stop(ctx, sess.AgentSessionID)
	grace := time.NewTimer(sv.deps.Config.StopGracePeriod)
	defer grace.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return outcomeStopped
			}
			if done, _, _ := sv.applyEvent(ctx, ev); done {
				return outcomeStopped
			}
		case <-grace.C:
			return outcomeStopped
		case <-ctx.Done():
			return outcomeStopped
		}
	}
}

func (sv *Supervisor) stopAgentBestEffort(ctx context.Context) {
	sess := sv.snapshot()
	_ = sv.deps.Agent.Stop(ctx, sess.AgentSessionID)
}

// runReproduceSubroutine runs the debugger preset's 3-way parallel
// reproduction fan-out (spec §4.5) instead of a single pump: three
// independent short-lived agent launches, collected, then judged by
// AnyReproduced rather than an external Validator.
func (sv *Supervisor) runReproduceSubroutine(ctx context.Context, sess model.Session) (outcome, error) {
	in := sv.promptInput(sess, "reproduce", sess.Procedure.Validation.Iteration == 1 && sess.AgentSessionID == "")

	results := procedure.RunReproduceFanout(ctx, 3, func(ctx context.Context, attempt int) procedure.ReproduceAttemptResult {
		res := sv.deps.Prompts.Assemble(in)
		cfg := agentadapter.RunConfig{
			SessionID:    fmt.Sprintf("%s-repro-%d", sess.ID, attempt),
			WorkingDir:   sess.WorkingDir,
			UserPrompt:   res.UserPrompt,
			SystemPrompt: res.SystemPrompt,
		}
		handle, err := sv.deps.Agent.Start(ctx, cfg)
		if err != nil {
			return procedure.ReproduceAttemptResult{Attempt: attempt, Err: err}
		}
		reproduced, notes := sv.drainReproAttempt(ctx, handle.Events)
		return procedure.ReproduceAttemptResult{Attempt: attempt, Reproduced: reproduced, Notes: notes}
	})

	select {
	case <-sv.stopCh:
		return outcomeStopped, nil
	case <-ctx.Done():
		return outcomeCanceled, nil
	default:
	}

	pass, reason := procedure.AnyReproduced(results)
	for _, r := range results {
		act := model.Activity{Kind: model.ActivitySummary, CreatedAt: time.Now(), Text: fmt.Sprintf("reproduction attempt %d: reproduced=%t notes=%s", r.Attempt, r.Reproduced, r.Notes)}
		sv.updateSession(func(s *model.Session) {
			act.Sequence = s.NextSequence()
			s.Activities = append(s.Activities, act)
		})
		sv.render(ctx, act)
	}
	sv.updateSession(func(s *model.Session) {
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		s.Metadata["_last_validation_pass"] = fmt.Sprintf("%t", pass)
		s.Metadata["_last_validation_reason"] = reason
	})
	return outcomeComplete, nil
}

func (sv *Supervisor) drainReproAttempt(ctx context.Context, events <-chan agentadapter.Event) (bool, string) {
	for ev := range events {
		if ev.Type == agentadapter.EventComplete {
			if ev.Summary != nil {
				return ev.Summary.ExitCode == 0, ev.Summary.Summary
			}
			return false, "no summary"
		}
		if ev.Type == agentadapter.EventError {
			return false, ev.Message
		}
	}
	return false, "stream closed without a terminal event"
}

// render pushes act to the renderer, swallowing errors into a log line —
// renderer failures are never fatal to the session (spec §4.6).
func (sv *Supervisor) render(ctx context.Context, act model.Activity) {
	if sv.deps.Renderer == nil {
		return
	}
	if err := sv.deps.Renderer.PushActivity(ctx, sv.sess.ID, act); err != nil {
		sv.log.Warn("renderer push failed", "error", err)
	}
}

// flushPendingComment posts the accumulated text batch, if any, and resets
// the batching state.
func (sv *Supervisor) flushPendingComment(ctx context.Context) {
	if !sv.commentTimer.Stop() {
		select {
		case <-sv.commentTimer.C:
		default:
		}
	}
	if sv.pendingText.Len() == 0 {
		return
	}
	body := sv.pendingText.String()
	sv.pendingText.Reset()
	sv.postComment(ctx, body)
}

// postComment posts body to the tracker with retry-then-drop per spec
// §4.6 ("errors from the tracker on comment post are retried then
// dropped with a warning").
func (sv *Supervisor) postComment(ctx context.Context, body string) {
	if sv.deps.Tracker == nil || body == "" {
		return
	}
	const retries = 3
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := sv.deps.Tracker.PostComment(ctx, sv.issue.ID, body); err == nil {
			return
		} else {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
		}
	}
	sv.log.Warn("tracker comment post failed after retries, dropping", "error", lastErr)
}

// postFailureComment posts the single summary comment spec §7 requires on
// fatal session failure.
func (sv *Supervisor) postFailureComment(ctx context.Context, cause error) {
	sess := sv.snapshot()
	body := fmt.Sprintf("Session failed: %s. (%d retries exhausted.)", cause.Error(), sess.RetryCount)
	sv.postComment(ctx, body)
}

func formatToolComment(ev agentadapter.Event) string {
	if ev.Type == agentadapter.EventToolUse {
		return fmt.Sprintf("🔧 using tool `%s`\n```\n%s\n```", ev.Tool, ev.ToolInput)
	}
	status := "ok"
	if ev.IsError {
		status = "error"
	}
	return fmt.Sprintf("↩️ tool `%s` result (%s)\n```\n%s\n```", ev.Tool, status, ev.ToolResult)
}
