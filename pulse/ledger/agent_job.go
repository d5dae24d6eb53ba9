package ledger

import "time"

// AgentJob is a deferred invocation of a named agent on behalf of a caller.
// CallerIdentity is opaque to the ledger; the async package owns its format.
type AgentJob struct {
	ID              int64             `json:"id"`
	GUID            string            `json:"guid"`
	TargetAgentName string            `json:"target_agent_name"`
	Parameters      map[string]string `json:"parameters"`
	CallerIdentity  string            `json:"caller_identity"`
	State           JobState          `json:"state"`
	Result          string            `json:"result,omitempty"`
	ValidTill       time.Time         `json:"valid_till"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Start marks the job as in progress
func (j *AgentJob) Start(now time.Time) {
	j.State = StateInProgress
	j.UpdatedAt = now
}

// Complete stores the agent output and marks the job completed
func (j *AgentJob) Complete(result string, now time.Time) {
	j.State = StateCompleted
	j.Result = result
	j.UpdatedAt = now
}

// Fail stores the failure message as the result and marks the job failed
func (j *AgentJob) Fail(message string, now time.Time) {
	j.State = StateFailed
	j.Result = message
	j.UpdatedAt = now
}

// Expired reports whether the job has outlived its ValidTill
func (j *AgentJob) Expired(now time.Time) bool {
	return now.After(j.ValidTill)
}
