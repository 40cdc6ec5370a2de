package model

import "fmt"

type StageStatus string

const (
	StatusPending         StageStatus = "pending"
	StatusRunning         StageStatus = "running"
	StatusSucceeded       StageStatus = "succeeded"
	StatusFailedTransient StageStatus = "failed_transient"
	StatusFailedPermanent StageStatus = "failed_permanent"
	StatusSkipped         StageStatus = "skipped"
)

// Done reports whether a stage in this status must never be executed again.
func (s StageStatus) Done() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

func (s StageStatus) Failed() bool {
	return s == StatusFailedTransient || s == StatusFailedPermanent
}

var allowedTransitions = map[StageStatus]map[StageStatus]bool{
	"": {
		StatusPending: true,
		StatusRunning: true,
		StatusSkipped: true,
		// unsupported links are rejected without ever running
		StatusFailedPermanent: true,
	},
	StatusPending: {
		StatusPending: true,
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusRunning:         true,
		StatusSucceeded:       true,
		StatusSkipped:         true,
		StatusFailedTransient: true,
		StatusFailedPermanent: true,
	},
	StatusFailedTransient: {
		StatusFailedTransient: true, // interrupted run reset
		StatusRunning:         true,
		StatusPending:         true,
	},
	StatusFailedPermanent: {
		StatusFailedPermanent: true,
		StatusRunning:         true, // with explicit retry-permanent flow
		StatusPending:         true,
	},
	StatusSucceeded: {
		StatusSucceeded: true,
	},
	StatusSkipped: {
		StatusSkipped: true,
	},
}

func IsKnownStatus(status StageStatus) bool {
	if status == "" {
		return false
	}
	_, ok := allowedTransitions[status]
	return ok
}

func CanTransition(from, to StageStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ApplyStageResult replaces the stored result for next.StageName, enforcing
// the transition table. Done stages are never overwritten by a different status.
func ApplyStageResult(rec *JobRecord, next StageResult) error {
	prev, _ := rec.Result(next.StageName)
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("invalid stage status transition: %q -> %q (item_id=%s stage=%s)", prev.Status, next.Status, rec.Item.ID, next.StageName)
	}
	rec.setResult(next)
	return nil
}
