package execution

import (
	"sort"
	"time"
)

func (m *Manager) pruneExecutionsLocked(now time.Time) {
	type candidate struct {
		key      string
		finished time.Time
	}

	candidates := make([]candidate, 0, len(m.executions))
	for key, ex := range m.executions {
		if ex == nil || !ex.Status.Final() {
			continue
		}

		finished := executionTerminalTime(ex)
		if retainedStateMaxAge > 0 && now.Sub(finished) > retainedStateMaxAge {
			m.dropExecutionLocked(key, ex)
			continue
		}

		candidates = append(candidates, candidate{key: key, finished: finished})
	}

	limit := maxRetainedFinishedExecutions
	if limit < 0 {
		limit = 0
	}
	if len(candidates) <= limit {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		left := candidates[i]
		right := candidates[j]
		if left.finished.Equal(right.finished) {
			return left.key < right.key
		}
		return left.finished.Before(right.finished)
	})

	for _, c := range candidates[:len(candidates)-limit] {
		m.dropExecutionLocked(c.key, m.executions[c.key])
	}
}

func executionTerminalTime(ex *executionState) time.Time {
	if ex.FinishedAt != nil {
		return *ex.FinishedAt
	}
	return ex.StartedAt
}

func appendRetainedOutput(existing, chunk string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(chunk) >= limit {
		return chunk[len(chunk)-limit:]
	}
	keepExisting := limit - len(chunk)
	if keepExisting < len(existing) {
		existing = existing[len(existing)-keepExisting:]
	}
	return existing + chunk
}

func appendBounded[T any](history []T, item T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	history = append(history, item)
	if len(history) <= limit {
		return history
	}
	trimmed := make([]T, limit)
	copy(trimmed, history[len(history)-limit:])
	return trimmed
}
