// Package procedure implements ProcedureEngine (spec §4.5): the state
// machine stepping a session through an ordered list of subroutines, each
// optionally guarded by a bounded validation loop, plus the orchestrator
// procedure's dynamic sub-issue DAG.
package procedure

import (
	"fmt"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
)

// Preset names, matching spec §4.5 exactly.
const (
	PresetSimpleQuestion  = "simple-question"
	PresetDocEdit         = "doc-edit"
	PresetFullDevelopment = "full-development"
	PresetDebugger        = "debugger"
	PresetOrchestrator    = "orchestrator"
)

var presetSubroutines = map[string][]string{
	PresetSimpleQuestion:  {"question-investigation", "question-answer"},
	PresetDocEdit:         {"doc-implementation", "concise-summary"},
	PresetFullDevelopment: {"coding-activity", "verifications", "changelog-update", "git-commit", "gh-pr", "concise-summary"},
	// "reproduce" stands in for the three parallel reproduction attempts
	// described in spec §4.5 — see RunReproduceFanout in parallel.go, which
	// the supervisor invokes when CurrentSubroutine() == "reproduce" and
	// the preset is debugger.
	PresetDebugger: {"reproduce", "fix", "verifications", "git-commit", "concise-summary"},
}

// validatedSubroutines names the subroutines that run a validation loop
// (spec §4.5 "some subroutines, those flagged validated"). Verification
// and bug reproduction are the two steps whose success genuinely needs an
// independent pass/fail judgment rather than trusting the agent's own
// "complete" event.
var validatedSubroutines = map[string]bool{
	"verifications": true,
	"reproduce":     true,
}

// IsValidated reports whether subroutine runs a validation loop.
func IsValidated(subroutine string) bool {
	return validatedSubroutines[subroutine]
}

// Engine steps ProcedureState forward. It holds no per-session state of
// its own — every method takes the state it operates on, mirroring the
// teacher's stateless PromptBuilder/SubAgentRunner split between
// orchestration logic and the state it acts on.
type Engine struct {
	cfg config.ProcedureConfig
}

// New creates an Engine with the given configuration (mainly MaxIterations
// for validation loops).
func New(cfg config.ProcedureConfig) *Engine {
	return &Engine{cfg: cfg}
}

// NewState builds the initial ProcedureState for a named preset.
// PresetOrchestrator has no fixed subroutine list and returns an unknown-
// preset error here; its work is computed from the sub-issue graph by
// BuildOrchestratorDAG.
func (e *Engine) NewState(preset string, continueOnMaxRetries bool) (model.ProcedureState, error) {
	subs, ok := presetSubroutines[preset]
	if !ok {
		return model.ProcedureState{}, fmt.Errorf("procedure: unknown preset %q", preset)
	}
	return model.ProcedureState{
		Name:                 preset,
		Subroutines:          append([]string(nil), subs...),
		CurrentIndex:         0,
		ContinueOnMaxRetries: continueOnMaxRetries,
		Validation: model.ValidationLoopState{
			Iteration:     1,
			MaxIterations: e.cfg.MaxIterations,
			Outcome:       model.ValidationInProgress,
		},
	}, nil
}
