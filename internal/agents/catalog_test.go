package agents

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiAgentYAML = `agents:
  - name: reviewer
    description: Reviews diffs
    model: sonnet
    tools: [read, grep]
    system_prompt: You review code.
  - name: scout
    model: haiku
`

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	write(t, path, multiAgentYAML)

	c, err := Load(path, nil)
	require.NoError(t, err)

	d, ok := c.Get("reviewer")
	require.True(t, ok)
	assert.Equal(t, "sonnet", d.Model)
	assert.Equal(t, []string{"read", "grep"}, d.Tools)
	assert.Equal(t, path, d.Source)

	names := []string{}
	for _, d := range c.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"reviewer", "scout"}, names)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "planner.yaml"), "model: opus\nsystem_prompt: Plan.\n")
	write(t, filepath.Join(dir, "team.yml"), multiAgentYAML)
	write(t, filepath.Join(dir, "notes.txt"), "ignored")

	c, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Len(t, c.List(), 3)

	d, ok := c.Get("planner")
	require.True(t, ok, "single definition named after its file")
	assert.Equal(t, "opus", d.Model)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "nope.yaml"), nil)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	write(t, bad, "agents: [unclosed")
	_, err = Load(bad, nil)
	require.Error(t, err)

	dupDir := filepath.Join(dir, "dup")
	require.NoError(t, os.Mkdir(dupDir, 0o755))
	write(t, filepath.Join(dupDir, "a.yaml"), "agents:\n  - name: x\n")
	write(t, filepath.Join(dupDir, "b.yaml"), "agents:\n  - name: x\n")
	_, err = Load(dupDir, nil)
	require.ErrorContains(t, err, "duplicate agent")
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	write(t, path, multiAgentYAML)
	c, err := Load(path, nil)
	require.NoError(t, err)

	write(t, path, "agents: [unclosed")
	require.Error(t, c.Reload())
	_, ok := c.Get("reviewer")
	assert.True(t, ok)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	write(t, path, multiAgentYAML)
	c, err := Load(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Watch(ctx))

	write(t, path, multiAgentYAML+"  - name: fresh\n")
	assert.Eventually(t, func() bool {
		_, ok := c.Get("fresh")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestParamsArgs(t *testing.T) {
	t.Run("flags only", func(t *testing.T) {
		args, cleanup, err := Params{Model: "m1", Tools: []string{"read", "bash"}}.Args(t.TempDir())
		require.NoError(t, err)
		defer cleanup()
		assert.Equal(t, []string{"--model", "m1", "--tools", "read,bash"}, args)
	})

	t.Run("empty", func(t *testing.T) {
		args, cleanup, err := Params{}.Args(t.TempDir())
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		cleanup()
		assert.Empty(t, args)
	})

	t.Run("system prompt file is removed by cleanup", func(t *testing.T) {
		dir := t.TempDir()
		args, cleanup, err := Params{SystemPrompt: "Be terse."}.Args(dir)
		require.NoError(t, err)
		require.Len(t, args, 2)
		assert.Equal(t, "--append-system-prompt", args[0])

		path := args[1]
		assert.True(t, strings.HasPrefix(filepath.Base(path), "conductor-prompt-"))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "Be terse.", string(data))

		cleanup()
		cleanup()
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("identical prompts get distinct files", func(t *testing.T) {
		dir := t.TempDir()
		a, ca, err := Params{SystemPrompt: "same"}.Args(dir)
		require.NoError(t, err)
		defer ca()
		b, cb, err := Params{SystemPrompt: "same"}.Args(dir)
		require.NoError(t, err)
		defer cb()
		assert.NotEqual(t, a[1], b[1])
	})
}

func TestParamsMerge(t *testing.T) {
	base := Definition{Model: "a", Tools: []string{"read"}, SystemPrompt: "p"}.Params()
	got := base.Merge(Params{Model: "b"})
	assert.Equal(t, Params{Model: "b", Tools: []string{"read"}, SystemPrompt: "p"}, got)
	assert.True(t, Params{}.IsZero())
	assert.False(t, got.IsZero())
}
