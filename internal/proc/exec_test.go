//go:build !windows

package proc

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecLauncherEcho(t *testing.T) {
	script := writeScript(t, `read line; echo "got:$line"; echo "err" >&2; exit 3`)
	var stderr strings.Builder

	p, err := ExecLauncher{}.Launch(context.Background(), Spec{Name: "echo", Command: script, Stderr: &stderr})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	_, err = io.WriteString(p.Stdin(), "hello\n")
	require.NoError(t, err)

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "got:hello\n", string(out))

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "err\n", stderr.String())

	again, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, again, "Wait is repeatable")
}

func TestExecLauncherSignalsWholeGroup(t *testing.T) {
	// The grandchild inherits stdout, so stdout only reaches EOF once it is gone too.
	script := writeScript(t, `sleep 30 &
echo ready
wait
`)

	p, err := ExecLauncher{}.Launch(context.Background(), Spec{Command: script})
	require.NoError(t, err)

	r := bufio.NewReader(p.Stdout())
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)

	require.NoError(t, p.Signal(syscall.SIGTERM))

	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, r)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("stdout still open: grandchild survived SIGTERM")
	}

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
}

func TestExecLauncherKill(t *testing.T) {
	script := writeScript(t, `trap '' TERM; echo ready; while :; do sleep 1; done`)

	p, err := ExecLauncher{}.Launch(context.Background(), Spec{Command: script})
	require.NoError(t, err)
	r := bufio.NewReader(p.Stdout())
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	_, _ = io.Copy(io.Discard, r)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGKILL), code)

	assert.ErrorIs(t, p.Signal(syscall.SIGTERM), os.ErrProcessDone)
}

func TestExecLauncherErrors(t *testing.T) {
	_, err := ExecLauncher{}.Launch(context.Background(), Spec{Name: "empty"})
	require.Error(t, err)

	_, err = ExecLauncher{}.Launch(context.Background(), Spec{Command: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ExecLauncher{}.Launch(ctx, Spec{Command: "true"})
	require.ErrorIs(t, err, context.Canceled)
}
