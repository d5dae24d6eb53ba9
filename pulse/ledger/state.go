package ledger

import "github.com/teranos/agentpulse/errors"

// JobState is the lifecycle state shared by data-source and agent jobs
type JobState string

const (
	StateNew        JobState = "new"
	StateInProgress JobState = "in_progress"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsActive reports whether the state counts toward the one-active-job-per-resource rule
func (s JobState) IsActive() bool {
	return s == StateNew || s == StateInProgress
}

// ParseJobState validates a state name from the CLI or storage
func ParseJobState(s string) (JobState, error) {
	switch state := JobState(s); state {
	case StateNew, StateInProgress, StateCompleted, StateFailed:
		return state, nil
	}
	return "", errors.NewInvalidRequestError("unknown job state %q (want new, in_progress, completed or failed)", s)
}

// Kind is the unit of ingestion work a data-source job performs
type Kind string

const (
	KindSync    Kind = "sync"
	KindRemove  Kind = "remove"
	KindTagSync Kind = "tag_sync"
)

// Kinds lists every data-source job kind
var Kinds = []Kind{KindSync, KindRemove, KindTagSync}

// ParseKind validates a kind name from the CLI or storage
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown job kind %q (want sync, remove or tag_sync)", s)
}

// DefaultRetriable reports whether an interrupted job of this kind may be rerun
// from scratch after a restart. Sync and TagSync are repeatable; a Remove that
// died half-way is left for an operator.
func (k Kind) DefaultRetriable() bool {
	return k != KindRemove
}
