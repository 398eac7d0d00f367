// Package taskstatus derives the per-task status view of a job from its
// append-only execution log. The view is never stored; it is rebuilt on
// every read so it can never go stale.
package taskstatus

import "github.com/ChuLiYu/jobflow/pkg/types"

// Derive groups log entries by (taskSlug, taskID) and keeps the latest entry
// of each group. Earlier attempts stay in the log but not in the view.
func Derive(log []types.LogEntry) types.TaskStatus {
	status := make(types.TaskStatus)
	for _, entry := range log {
		byID, ok := status[entry.TaskSlug]
		if !ok {
			byID = make(map[string]types.TaskResultView)
			status[entry.TaskSlug] = byID
		}
		byID[entry.TaskID] = types.TaskResultView{
			ExecutedAt:  entry.ExecutedAt,
			CompletedAt: entry.CompletedAt,
			Input:       entry.Input,
			Output:      entry.Output,
			State:       entry.State,
			Error:       entry.Error,
		}
	}
	return status
}

// Lookup returns the latest result for (slug, id).
func Lookup(status types.TaskStatus, slug, id string) (types.TaskResultView, bool) {
	byID, ok := status[slug]
	if !ok {
		return types.TaskResultView{}, false
	}
	v, ok := byID[id]
	return v, ok
}

// Succeeded reports whether the latest attempt of (slug, id) succeeded.
func Succeeded(status types.TaskStatus, slug, id string) bool {
	v, ok := Lookup(status, slug, id)
	return ok && v.State == types.TaskSucceeded
}

// FailureCount counts failed attempts of (slug, id) in log.
func FailureCount(log []types.LogEntry, slug, id string) int {
	n := 0
	for _, entry := range log {
		if entry.TaskSlug == slug && entry.TaskID == id && entry.State == types.TaskFailed {
			n++
		}
	}
	return n
}
