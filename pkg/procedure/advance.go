package procedure

import "github.com/relaycore/sessioncore/pkg/model"

// AdvanceResult tells the caller (SessionSupervisor) what to do next after
// a subroutine step.
type AdvanceResult struct {
	// Advanced is true when CurrentIndex moved forward (or the procedure
	// completed — check Done separately).
	Advanced bool
	// Retry is true when the same subroutine should run again (a failed
	// validation attempt with iterations remaining).
	Retry bool
	// Terminal is true when the procedure cannot continue: a validated
	// subroutine exhausted its retries and continueOnMaxRetries is false.
	// The session should transition to failed.
	Terminal bool
}

// AdvanceAfterComplete handles a non-validated subroutine's completion: it
// always passes and the procedure moves straight to the next index.
func (e *Engine) AdvanceAfterComplete(state *model.ProcedureState) AdvanceResult {
	state.CurrentIndex++
	state.Validation = model.ValidationLoopState{
		Iteration:     1,
		MaxIterations: e.cfg.MaxIterations,
		Outcome:       model.ValidationInProgress,
	}
	return AdvanceResult{Advanced: true}
}

// RecordValidation folds one validator verdict into the current
// subroutine's ValidationLoopState per spec §4.5's loop:
//
//	iteration = 1
//	repeat:
//	  run subroutine
//	  ask a validator "did it pass?"
//	  if pass: mark passed; break
//	  if iteration >= maxIterations: mark failed-max-retries; break
//	  iteration += 1
func (e *Engine) RecordValidation(state *model.ProcedureState, passed bool, reason string) AdvanceResult {
	vl := &state.Validation
	vl.History = append(vl.History, model.ValidationAttempt{
		Iteration: vl.Iteration,
		Passed:    passed,
		Reason:    reason,
	})

	if passed {
		vl.Outcome = model.ValidationPassed
		return e.AdvanceAfterComplete(state)
	}

	if vl.Iteration >= vl.MaxIterations {
		vl.Outcome = model.ValidationFailedMaxRetries
		if state.ContinueOnMaxRetries {
			return e.AdvanceAfterComplete(state)
		}
		return AdvanceResult{Terminal: true}
	}

	vl.Iteration++
	vl.Outcome = model.ValidationInProgress
	return AdvanceResult{Retry: true}
}
