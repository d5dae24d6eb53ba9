package ledger

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/agentpulse/errors"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func dataSourceJobColumns() string {
	return `id, resource_id, kind, state, is_retriable, error_message, created_at, updated_at`
}

func scanDataSourceJob(row rowScanner) (*DataSourceJob, error) {
	var job DataSourceJob
	var errorMessage sql.NullString

	err := row.Scan(
		&job.ID,
		&job.ResourceID,
		&job.Kind,
		&job.State,
		&job.IsRetriable,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ErrorMessage = errorMessage.String
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func agentJobColumns() string {
	return `id, guid, target_agent_name, parameters, caller_identity,
		state, result, valid_till, created_at, updated_at`
}

func scanAgentJob(row rowScanner) (*AgentJob, error) {
	var job AgentJob
	var parameters string
	var result sql.NullString

	err := row.Scan(
		&job.ID,
		&job.GUID,
		&job.TargetAgentName,
		&parameters,
		&job.CallerIdentity,
		&job.State,
		&result,
		&job.ValidTill,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	params, err := unmarshalParameters(parameters)
	if err != nil {
		return nil, errors.Wrapf(err, "agent job %s has unreadable parameters", job.GUID)
	}
	job.Parameters = params
	job.Result = result.String
	job.ValidTill = job.ValidTill.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func marshalParameters(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal agent parameters")
	}
	return string(data), nil
}

func unmarshalParameters(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}
