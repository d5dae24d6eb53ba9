package async

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/agentpulse/errors"
)

// CommandAgentType is the agent type served by CommandExecutor
const CommandAgentType = "command"

// CommandExecutor runs agents backed by external commands. Parameters are
// written to stdin as a JSON object, the restored identity is exported as
// AGENTPULSE_LOGIN_ID, AGENTPULSE_LOGIN_TYPE, AGENTPULSE_TAG_SCOPE and
// AGENTPULSE_MESSAGE, and stdout becomes the result.
type CommandExecutor struct {
	commands map[string][]string // agent name -> argv
}

// NewCommandExecutor parses a map of agent name to shell-style command line
func NewCommandExecutor(commands map[string]string) (*CommandExecutor, error) {
	e := &CommandExecutor{commands: make(map[string][]string, len(commands))}
	for name, line := range commands {
		argv, err := shellquote.Split(line)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse command for agent %s", name)
		}
		if len(argv) == 0 {
			return nil, errors.NewInvalidRequestError("empty command for agent %s", name)
		}
		e.commands[name] = argv
	}
	return e, nil
}

// DoCall implements AgentExecutor
func (e *CommandExecutor) DoCall(ctx context.Context, agent Agent, params map[string]string) (string, error) {
	argv, ok := e.commands[agent.Name]
	if !ok {
		return "", errors.NewNotFoundError("no command configured for agent %s", agent.Name)
	}

	input, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode agent parameters")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	if scope := ScopeFromContext(ctx); scope != nil {
		id := scope.Identity()
		cmd.Env = append(cmd.Env,
			"AGENTPULSE_LOGIN_ID="+id.LoginID,
			"AGENTPULSE_LOGIN_TYPE="+id.LoginType,
			"AGENTPULSE_TAG_SCOPE="+strings.Join(id.TagScope, ","),
			"AGENTPULSE_MESSAGE="+id.Message,
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", errors.Wrapf(err, "agent %s: %s", agent.Name, msg)
		}
		return "", errors.Wrapf(err, "agent %s", agent.Name)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
