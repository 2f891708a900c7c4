//go:build !windows

package worker

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchStartsOwnProcessGroup(t *testing.T) {
	l := newTestLauncher(t, "")
	p, err := l.Launch(context.Background(), readUnit("/src/hang.lean"))
	require.NoError(t, err)

	pid := p.Pid()
	require.Positive(t, pid)
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid, "worker leads its own process group")

	require.NoError(t, p.Terminate())
	assert.Error(t, p.Wait(), "a terminated worker does not exit cleanly")
}
