// Package agents loads the read-only catalog of agent definitions used to
// parameterize worker and ephemeral spawns.
package agents

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/conductor/internal/config"
)

// Definition is one named agent profile.
type Definition struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	// Source is the file the definition was read from.
	Source string `yaml:"-" json:"source"`
}

// Params returns the spawn parameters carried by the definition.
func (d Definition) Params() Params {
	return Params{
		Model:        d.Model,
		Tools:        append([]string(nil), d.Tools...),
		SystemPrompt: d.SystemPrompt,
	}
}

// Params are the optional spawn parameters shared by workers and ephemeral runs.
type Params struct {
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// Merge returns p with every non-empty field of override applied.
func (p Params) Merge(override Params) Params {
	out := p
	if override.Model != "" {
		out.Model = override.Model
	}
	if len(override.Tools) > 0 {
		out.Tools = append([]string(nil), override.Tools...)
	}
	if override.SystemPrompt != "" {
		out.SystemPrompt = override.SystemPrompt
	}
	return out
}

// IsZero reports whether no parameter is set.
func (p Params) IsZero() bool {
	return p.Model == "" && len(p.Tools) == 0 && p.SystemPrompt == ""
}

// Args renders p as command-line flags. A system prompt is written to a
// temporary file passed with --append-system-prompt; the returned cleanup
// removes it and is safe to call more than once. cleanup is never nil.
func (p Params) Args(tmpDir string) (args []string, cleanup func(), err error) {
	cleanup = func() {}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if len(p.Tools) > 0 {
		args = append(args, "--tools", strings.Join(p.Tools, ","))
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return args, cleanup, nil
	}

	// The content hash keeps files traceable; CreateTemp keeps concurrent runs apart.
	pattern := fmt.Sprintf("conductor-prompt-%s-*.md", config.HashBytes([]byte(p.SystemPrompt))[:12])
	f, err := os.CreateTemp(tmpDir, pattern)
	if err != nil {
		return nil, cleanup, fmt.Errorf("create prompt file: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(p.SystemPrompt); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, cleanup, fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, cleanup, fmt.Errorf("close prompt file: %w", err)
	}

	cleanup = func() { _ = os.Remove(path) }
	return append(args, "--append-system-prompt", path), cleanup, nil
}
