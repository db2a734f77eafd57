package config

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/spf13/afero"
)

func TestLoadAgents_BuiltinsOnly(t *testing.T) {
	set, err := LoadAgents(AgentSources{Fs: afero.NewMemMapFs(), ConfigDir: "/cfg", RepoRoot: "/repo"})
	if err != nil {
		t.Fatalf("LoadAgents() error = %v", err)
	}

	if set.Len() != len(agent.Builtins()) {
		t.Errorf("Len() = %d, want %d", set.Len(), len(agent.Builtins()))
	}
	if _, err := set.Get("claude"); err != nil {
		t.Errorf("Get(claude) error = %v", err)
	}
}

func TestLoadAgents_MergeOrder(t *testing.T) {
	fs := afero.NewMemMapFs()

	global := `
version: "1.0.0"
customCodingAgents:
  - id: aider
    displayName: Aider (global)
    type: command
    command: aider
  - id: claude
    displayName: Claude (wrapped)
    type: path
    command: /opt/bin/claude-wrapper
`
	local := `{
  "version": "1.0.0",
  "customCodingAgents": [
    {"id": "aider", "displayName": "Aider (local)", "type": "bunx", "command": "aider-chat"}
  ]
}`
	if err := afero.WriteFile(fs, "/cfg/tools.yaml", []byte(global), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/repo/.branchyard/tools.json", []byte(local), 0o644); err != nil {
		t.Fatal(err)
	}

	set, err := LoadAgents(AgentSources{Fs: fs, ConfigDir: "/cfg", RepoRoot: "/repo"})
	if err != nil {
		t.Fatalf("LoadAgents() error = %v", err)
	}

	aider, err := set.Get("aider")
	if err != nil {
		t.Fatalf("Get(aider) error = %v", err)
	}
	if aider.DisplayName != "Aider (local)" || aider.Kind != agent.KindPackageRunner {
		t.Errorf("aider = %+v, want local definition", aider)
	}

	claude, err := set.Get("claude")
	if err != nil {
		t.Fatalf("Get(claude) error = %v", err)
	}
	if claude.Kind != agent.KindPath || claude.Command != "/opt/bin/claude-wrapper" {
		t.Errorf("claude = %+v, want global override", claude)
	}

	// Overrides keep the builtin's position.
	if set.All()[0].ID != "claude" {
		t.Errorf("first definition = %q, want claude", set.All()[0].ID)
	}
}

func TestLoadAgents_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unparsable", "customCodingAgents: [\n"},
		{"missing version", "customCodingAgents:\n  - {id: x, displayName: X, command: x}\n"},
		{"newer version", "version: \"99.0.0\"\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x}\n"},
		{"newer minor version", "version: \"1.1\"\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x}\n"},
		{"invalid version", "version: latest\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x}\n"},
		{"unknown definition field", "version: \"1.0.0\"\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x, defualtArgs: [--fast]}\n"},
		{"unknown top-level field", "version: \"1.0.0\"\nagents: []\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if err := afero.WriteFile(fs, "/cfg/tools.yaml", []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			local := "version: \"1\"\ncustomCodingAgents:\n  - {id: y, displayName: Y, command: y}\n"
			if err := afero.WriteFile(fs, "/repo/.branchyard/tools.yaml", []byte(local), 0o644); err != nil {
				t.Fatal(err)
			}

			set, err := LoadAgents(AgentSources{Fs: fs, ConfigDir: "/cfg", RepoRoot: "/repo"})
			if err == nil {
				t.Fatal("LoadAgents() error = nil, want the rejected file reported")
			}
			if !strings.Contains(err.Error(), "/cfg/tools.yaml") {
				t.Errorf("error %q does not name the file", err)
			}
			if _, err := set.Get("x"); err == nil {
				t.Error("definition from a rejected file should not load")
			}
			if _, err := set.Get("y"); err != nil {
				t.Errorf("definition from the valid file is missing: %v", err)
			}
		})
	}
}

func TestLoadAgents_AcceptsOlderAndEqualVersions(t *testing.T) {
	for _, v := range []string{"1", "1.0", "1.0.0", "0.9.1", "v1.0.0"} {
		t.Run(v, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			content := "version: \"" + v + "\"\ncustomCodingAgents:\n  - {id: x, displayName: X, command: x}\n"
			if err := afero.WriteFile(fs, "/cfg/tools.yaml", []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			set, err := LoadAgents(AgentSources{Fs: fs, ConfigDir: "/cfg"})
			if err != nil {
				t.Fatalf("LoadAgents() error = %v", err)
			}
			if _, err := set.Get("x"); err != nil {
				t.Errorf("Get(x) error = %v", err)
			}
		})
	}
}

func TestLoadAgents_SkipsInvalidEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `
version: "1.0.0"
customCodingAgents:
  - {id: "bad id", displayName: Bad, command: bad}
  - {id: no-command, displayName: NoCommand}
  - {id: good, displayName: Good, command: good}
`
	if err := afero.WriteFile(fs, "/cfg/tools.yaml", []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := LoadAgents(AgentSources{Fs: fs, ConfigDir: "/cfg"})
	if err != nil {
		t.Fatalf("LoadAgents() error = %v", err)
	}
	if _, err := set.Get("good"); err != nil {
		t.Errorf("Get(good) error = %v", err)
	}
	if _, err := set.Get("no-command"); err == nil {
		t.Error("definition without command should be skipped")
	}
	if set.Len() != len(agent.Builtins())+1 {
		t.Errorf("Len() = %d", set.Len())
	}
}

func TestWriteToolsFile_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	defs := []agent.Definition{{
		ID: "mine", DisplayName: "Mine", Kind: agent.KindCommand, Command: "mine",
		ModeArgs: agent.ModeArgs{Resume: []string{"--resume", agent.SessionIDToken}},
	}}

	if err := WriteToolsFile(fs, "/repo/.branchyard/tools.yaml", defs); err != nil {
		t.Fatalf("WriteToolsFile() error = %v", err)
	}

	set, err := LoadAgents(AgentSources{Fs: fs, RepoRoot: "/repo"})
	if err != nil {
		t.Fatalf("LoadAgents() error = %v", err)
	}
	got, err := set.Get("mine")
	if err != nil {
		t.Fatalf("Get(mine) error = %v", err)
	}
	if len(got.ModeArgs.Resume) != 2 || got.ModeArgs.Resume[1] != agent.SessionIDToken {
		t.Errorf("Resume args = %v", got.ModeArgs.Resume)
	}
}
