package procedure

import (
	"context"
	"sync"
)

// ReproduceAttemptResult is the outcome of one of the debugger preset's
// three parallel reproduction attempts.
type ReproduceAttemptResult struct {
	Attempt    int
	Reproduced bool
	Notes      string
	Err        error
}

// ReproduceAttemptFunc runs one reproduction attempt. attempt is 0-based.
type ReproduceAttemptFunc func(ctx context.Context, attempt int) ReproduceAttemptResult

// RunReproduceFanout launches n reproduction attempts concurrently and
// waits for all of them, mirroring the teacher's SubAgentRunner
// dispatch-then-collect shape (pkg/agent/orchestrator/runner.go) but
// simplified to a fixed-size fan-out with no incremental dispatch: the
// debugger preset always wants exactly n attempts, not an open-ended
// worker pool.
func RunReproduceFanout(ctx context.Context, n int, attempt ReproduceAttemptFunc) []ReproduceAttemptResult {
	results := make([]ReproduceAttemptResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = attempt(ctx, i)
		}(i)
	}
	wg.Wait()
	return results
}

// AnyReproduced reports whether at least one attempt reproduced the bug —
// the signal the debugger preset's validator uses to decide whether
// "reproduce" passed.
func AnyReproduced(results []ReproduceAttemptResult) (bool, string) {
	for _, r := range results {
		if r.Err == nil && r.Reproduced {
			return true, r.Notes
		}
	}
	return false, "none of the parallel reproduction attempts reproduced the reported bug"
}
