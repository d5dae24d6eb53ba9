package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// stderrTail bounds how much of a failed command's stderr lands in error_message
const stderrTail = 512

// CommandExecutor runs an external command for a job. The job is described
// to the command through AGENTPULSE_JOB_ID, AGENTPULSE_RESOURCE_ID and
// AGENTPULSE_KIND. A non-zero exit fails the job.
type CommandExecutor struct {
	argv []string
}

// NewCommandExecutor parses a shell-style command line
func NewCommandExecutor(commandLine string) (*CommandExecutor, error) {
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command %q", commandLine)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("empty command")
	}
	return &CommandExecutor{argv: argv}, nil
}

// Execute implements Executor
func (c *CommandExecutor) Execute(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("AGENTPULSE_JOB_ID=%d", jobID),
		fmt.Sprintf("AGENTPULSE_RESOURCE_ID=%d", resourceID),
		fmt.Sprintf("AGENTPULSE_KIND=%s", kind),
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := tail(strings.TrimSpace(stderr.String()), stderrTail)
		if msg == "" {
			return errors.Wrapf(err, "%s failed", c.argv[0])
		}
		return errors.Wrapf(err, "%s failed: %s", c.argv[0], msg)
	}
	return nil
}

// Remover deletes a data source from the catalog
type Remover interface {
	Remove(ctx context.Context, id int64) error
}

// RemoveExecutor handles Remove jobs by deleting the resource from the catalog
func RemoveExecutor(catalog Remover) Executor {
	return ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return catalog.Remove(ctx, resourceID)
	})
}

// RegistryFromCommands builds a registry from a kind -> command line map.
// A Remove executor is added for the catalog unless a command overrides it.
func RegistryFromCommands(commands map[string]string, catalog Remover) (*Registry, error) {
	reg := NewRegistry()
	for name, line := range commands {
		kind, err := ledger.ParseKind(name)
		if err != nil {
			return nil, errors.Wrapf(err, "dispatcher.commands")
		}
		exe, err := NewCommandExecutor(line)
		if err != nil {
			return nil, errors.WithDetailf(err, "Kind: %s", kind)
		}
		reg.Register(kind, exe)
	}
	if catalog != nil && !reg.Has(ledger.KindRemove) {
		reg.Register(ledger.KindRemove, RemoveExecutor(catalog))
	}
	return reg, nil
}

// tail returns at most the last n bytes of s, never starting mid-rune
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
