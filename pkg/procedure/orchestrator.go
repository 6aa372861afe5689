package procedure

// SubIssue is one node in the orchestrator procedure's input graph (spec
// §4.5.2): a sub-issue plus the ids of other sub-issues it depends on.
type SubIssue struct {
	ID        string
	DependsOn []string
}

// TaskKind discriminates the two tasks the orchestrator builds per
// sub-issue.
type TaskKind string

const (
	TaskImpl   TaskKind = "impl"
	TaskVerify TaskKind = "verify"
)

// Task is one schedulable unit in the orchestrator DAG.
type Task struct {
	ID         string
	SubIssueID string
	Kind       TaskKind
	DependsOn  []string
}

// DAG is the computed orchestrator task graph.
type DAG struct {
	Tasks []Task
}

func implTaskID(subIssueID string) string   { return subIssueID + ":impl" }
func verifyTaskID(subIssueID string) string { return subIssueID + ":verify" }

// BuildOrchestratorDAG computes the {impl, verify} task pair per sub-issue
// per spec §4.5.2: verify_i always depends on impl_i; impl_j additionally
// depends on verify_i for every i that sub-issue j declares in DependsOn.
// Dependency ids that don't name a known sub-issue are silently ignored.
func BuildOrchestratorDAG(subIssues []SubIssue) DAG {
	known := make(map[string]bool, len(subIssues))
	for _, si := range subIssues {
		known[si.ID] = true
	}

	var tasks []Task
	for _, si := range subIssues {
		implDeps := make([]string, 0, len(si.DependsOn))
		for _, dep := range si.DependsOn {
			if !known[dep] {
				continue
			}
			implDeps = append(implDeps, verifyTaskID(dep))
		}
		tasks = append(tasks, Task{
			ID:         implTaskID(si.ID),
			SubIssueID: si.ID,
			Kind:       TaskImpl,
			DependsOn:  implDeps,
		})
		tasks = append(tasks, Task{
			ID:         verifyTaskID(si.ID),
			SubIssueID: si.ID,
			Kind:       TaskVerify,
			DependsOn:  []string{implTaskID(si.ID)},
		})
	}
	return DAG{Tasks: tasks}
}

// Ready returns every task in d whose dependencies are all present in
// completed and which is not itself already in completed. Callers launch
// an independent child session per task Ready returns, then call Ready
// again with the updated completed set once results arrive — "results
// gate further launches" per spec §4.5.2.
func (d DAG) Ready(completed map[string]bool) []Task {
	var out []Task
	for _, t := range d.Tasks {
		if completed[t.ID] {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	return out
}

// Done reports whether every task in d is in completed.
func (d DAG) Done(completed map[string]bool) bool {
	for _, t := range d.Tasks {
		if !completed[t.ID] {
			return false
		}
	}
	return true
}
