package manager

import (
	"context"
	"fmt"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/procedure"
	"github.com/relaycore/sessioncore/pkg/supervisor"
)

// taskSubroutineMetadataKey tags a child session with the orchestrator
// task id it was launched for, so an observer can tell which DAG node a
// session belongs to.
const taskSubroutineMetadataKey = "_orchestrator_task_id"

// runOrchestrator drives spec §4.5.2's orchestrator procedure for issue:
// resolve its sub-issue graph, build the {impl, verify} DAG, and launch one
// independent child session per task as it becomes unblocked, gating
// further launches on each task's result. Runs until the DAG is fully done,
// stuck (nothing ready and nothing in flight), or ctx is canceled.
//
// Grounded on the same "results gate further launches" shape as
// procedure.RunReproduceFanout's bounded parallel fan-out, generalized
// from a fixed 3-way fan-out to a dependency-ordered one driven by
// DAG.Ready/DAG.Done.
func (m *Manager) runOrchestrator(ctx context.Context, issue model.Issue) {
	if m.deps.SubIssues == nil {
		m.log.Warn("orchestrator preset selected but no SubIssues provider configured, falling back to full-development", "issue_id", issue.ID)
		m.launchPreset(ctx, issue, procedure.PresetFullDevelopment, nil)
		return
	}

	subIssues, err := m.deps.SubIssues(ctx, issue.ID)
	if err != nil || len(subIssues) == 0 {
		m.log.Warn("orchestrator sub-issue resolution failed or empty, falling back to full-development", "issue_id", issue.ID, "error", err)
		m.launchPreset(ctx, issue, procedure.PresetFullDevelopment, nil)
		return
	}

	dag := procedure.BuildOrchestratorDAG(subIssues)
	launched := make(map[string]bool, len(dag.Tasks))
	completed := make(map[string]bool, len(dag.Tasks))
	results := make(chan taskResult)
	inFlight := 0

	for {
		for _, t := range dag.Ready(completed) {
			if launched[t.ID] {
				continue
			}
			launched[t.ID] = true
			inFlight++
			go m.runOrchestratorTask(ctx, issue, t, results)
		}

		if dag.Done(completed) {
			return
		}
		if inFlight == 0 {
			m.log.Warn("orchestrator DAG stuck: no ready tasks and none in flight", "issue_id", issue.ID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case res := <-results:
			inFlight--
			completed[res.taskID] = true
		}
	}
}

type taskResult struct {
	taskID string
	passed bool
}

// runOrchestratorTask launches one child session for t and reports its
// outcome on results once the session reaches a terminal state. The
// child's pass/fail is recorded but — per spec §4.5.2, which only
// specifies that "results gate further launches," not that a failed task
// blocks the DAG — a failed task still unblocks its dependents; a fuller
// policy (e.g. halting the whole orchestrator run on a failed impl task)
// is left to the host's SubIssues/Classifier wiring.
func (m *Manager) runOrchestratorTask(ctx context.Context, parent model.Issue, t procedure.Task, results chan<- taskResult) {
	childIssue := parent
	childIssue.ID = fmt.Sprintf("%s/%s", parent.ID, t.ID)

	sv := m.launchPreset(ctx, childIssue, procedure.PresetFullDevelopment, map[string]string{
		taskSubroutineMetadataKey: t.ID,
	})
	if sv == nil {
		select {
		case results <- taskResult{taskID: t.ID, passed: false}:
		case <-ctx.Done():
		}
		return
	}

	select {
	case <-sv.Done():
	case <-ctx.Done():
	}

	sess, err := m.deps.Store.Get(sv.ID())
	passed := err == nil && sess.State == model.SessionCompleted
	select {
	case results <- taskResult{taskID: t.ID, passed: passed}:
	case <-ctx.Done():
	}
}

// launchPreset is launchWithState's entry point for a fixed preset,
// skipping the classifier entirely — a child task is always
// full-development regardless of what label the parent issue carries.
func (m *Manager) launchPreset(ctx context.Context, issue model.Issue, preset string, metadata map[string]string) *supervisor.Supervisor {
	procState, err := m.deps.Procedure.NewState(preset, true)
	if err != nil {
		m.log.Error("failed to build procedure state for child task", "issue_id", issue.ID, "error", err)
		return nil
	}
	return m.launchWithState(ctx, issue, procState, metadata)
}
