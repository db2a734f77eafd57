package agent

// SessionIDToken is replaced with the resume id when mode args are expanded.
// "{session_id|latest}" falls back to "latest" when no id is known.
const SessionIDToken = "{session_id}"

// Builtins returns the definitions of the tools that are always available.
// User definitions with the same id replace them.
func Builtins() []Definition {
	return []Definition{
		{
			ID:          "claude",
			DisplayName: "Claude Code",
			Kind:        KindCommand,
			Command:     "claude",
			Package:     "@anthropic-ai/claude-code@latest",
			ModeArgs: ModeArgs{
				Continue: []string{"-c"},
				Resume:   []string{"--resume", SessionIDToken},
			},
			PermissionSkipArgs: []string{"--dangerously-skip-permissions"},
		},
		{
			ID:          "codex",
			DisplayName: "Codex CLI",
			Kind:        KindCommand,
			Command:     "codex",
			Package:     "@openai/codex@latest",
			ModeArgs: ModeArgs{
				Continue: []string{"resume", "--last"},
				Resume:   []string{"resume", SessionIDToken},
			},
			PermissionSkipArgs: []string{"--dangerously-bypass-approvals-and-sandbox"},
		},
		{
			ID:          "gemini",
			DisplayName: "Gemini CLI",
			Kind:        KindCommand,
			Command:     "gemini",
			Package:     "@google/gemini-cli@latest",
			ModeArgs: ModeArgs{
				Continue: []string{"-r", "latest"},
				Resume:   []string{"-r", "{session_id|latest}"},
			},
			PermissionSkipArgs: []string{"-y"},
		},
		{
			ID:          "opencode",
			DisplayName: "OpenCode",
			Kind:        KindCommand,
			Command:     "opencode",
			Package:     "opencode-ai@latest",
			ModeArgs: ModeArgs{
				Continue: []string{"-c"},
				Resume:   []string{"--session=" + SessionIDToken},
			},
		},
	}
}
