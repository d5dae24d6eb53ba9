package ledger

import "time"

// DataSourceJob is one unit of ingestion work against a single resource
type DataSourceJob struct {
	ID           int64     `json:"id"`
	ResourceID   int64     `json:"resource_id"`
	Kind         Kind      `json:"kind"`
	State        JobState  `json:"state"`
	IsRetriable  bool      `json:"is_retriable"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewDataSourceJob creates a New job using the kind's default retriability
func NewDataSourceJob(resourceID int64, kind Kind, now time.Time) *DataSourceJob {
	return &DataSourceJob{
		ResourceID:  resourceID,
		Kind:        kind,
		State:       StateNew,
		IsRetriable: kind.DefaultRetriable(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start marks the job as in progress
func (j *DataSourceJob) Start(now time.Time) {
	j.State = StateInProgress
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *DataSourceJob) Complete(now time.Time) {
	j.State = StateCompleted
	j.ErrorMessage = ""
	j.UpdatedAt = now
}

// Requeue returns an interrupted job to New so the next tick picks it up again
func (j *DataSourceJob) Requeue(now time.Time) {
	j.State = StateNew
	j.ErrorMessage = ""
	j.UpdatedAt = now
}

// Fail marks the job as failed with the executor's message
func (j *DataSourceJob) Fail(message string, now time.Time) {
	j.State = StateFailed
	j.ErrorMessage = message
	j.UpdatedAt = now
}
