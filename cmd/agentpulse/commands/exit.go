package commands

import "github.com/teranos/agentpulse/errors"

// Exit codes
const (
	ExitError        = 1
	ExitInvalidInput = 2 // unknown kind, bad state filter, empty agent name, ...
)

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	if errors.IsInvalidRequestError(err) {
		return ExitInvalidInput
	}
	return ExitError
}
