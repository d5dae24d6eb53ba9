package dispatch

import (
	"context"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/pulse/ledger"
)

func TestCommandExecutorPassesJobInEnv(t *testing.T) {
	exe, err := NewCommandExecutor(`sh -c 'test "$AGENTPULSE_KIND" = sync && test "$AGENTPULSE_RESOURCE_ID" = 7 && test "$AGENTPULSE_JOB_ID" = 42'`)
	require.NoError(t, err)

	assert.NoError(t, exe.Execute(context.Background(), ledger.KindSync, 7, 42))
	assert.Error(t, exe.Execute(context.Background(), ledger.KindSync, 8, 42))
}

func TestCommandExecutorFailureCarriesStderr(t *testing.T) {
	exe, err := NewCommandExecutor(`sh -c "echo 'upstream refused' >&2; exit 3"`)
	require.NoError(t, err)

	err = exe.Execute(context.Background(), ledger.KindSync, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream refused")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestTailKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))

	// "é" is two bytes; a 5-byte cut would land inside the first one
	got := tail("éééé", 5)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "éé", got)

	got = tail("ab€", 2)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "", got)
}

func TestCommandFailureMessageIsValidUTF8(t *testing.T) {
	exe, err := NewCommandExecutor(`sh -c 'i=0; while [ $i -lt 300 ]; do printf "é" >&2; i=$((i+1)); done; printf "x" >&2; exit 1'`)
	require.NoError(t, err)

	err = exe.Execute(context.Background(), ledger.KindSync, 1, 1)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "éx")
}

func TestNewCommandExecutorRejectsBadLines(t *testing.T) {
	_, err := NewCommandExecutor(`sh -c 'unterminated`)
	assert.Error(t, err)

	_, err = NewCommandExecutor("   ")
	assert.True(t, errors.IsInvalidRequestError(err))
}

type fakeRemover struct{ removed []int64 }

func (f *fakeRemover) Remove(ctx context.Context, id int64) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestRegistryFromCommands(t *testing.T) {
	rm := &fakeRemover{}
	reg, err := RegistryFromCommands(map[string]string{"sync": "true", "tag_sync": "false"}, rm)
	require.NoError(t, err)
	assert.Equal(t, []ledger.Kind{ledger.KindRemove, ledger.KindSync, ledger.KindTagSync}, reg.Kinds())

	ctx := context.Background()
	assert.NoError(t, reg.Execute(ctx, ledger.KindSync, 1, 1))
	assert.Error(t, reg.Execute(ctx, ledger.KindTagSync, 1, 2))
	assert.NoError(t, reg.Execute(ctx, ledger.KindRemove, 9, 3))
	assert.Equal(t, []int64{9}, rm.removed)

	_, err = RegistryFromCommands(map[string]string{"reindex": "true"}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	reg := NewRegistry()
	noop := ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error { return nil })
	reg.Register(ledger.KindSync, noop)

	assert.Panics(t, func() { reg.Register(ledger.KindSync, noop) })
	assert.True(t, reg.Has(ledger.KindSync))
	assert.False(t, reg.Has(ledger.KindRemove))

	err := reg.Execute(context.Background(), ledger.KindRemove, 1, 1)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestClaimSet(t *testing.T) {
	c := newClaimSet(2)
	assert.Equal(t, claimed, c.claim(1))
	assert.Equal(t, resourceBusy, c.claim(1))
	assert.Equal(t, claimed, c.claim(2))
	assert.Equal(t, capReached, c.claim(3))

	c.release(1)
	assert.Equal(t, claimed, c.claim(3))

	resources, max := c.snapshot()
	assert.Equal(t, []int64{2, 3}, resources)
	assert.Equal(t, 2, max)
}
