package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/spf13/afero"
)

// DefaultTerm is exported to every agent so full-screen tools render correctly.
const DefaultTerm = "xterm-256color"

const versionTimeout = 3 * time.Second

// Request describes one launch.
type Request struct {
	Definition      Definition
	Mode            Mode
	WorktreePath    string
	SkipPermissions bool
	ExtraArgs       []string
	// ResumeID is substituted for session tokens in the mode args.
	ResumeID string
}

// Invocation is a fully resolved command line.
type Invocation struct {
	// Command is the command as the definition names it (or the package
	// runner used for it).
	Command string
	// Path is the resolved executable that will be started.
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Launcher builds invocations from definitions.
type Launcher struct {
	fs       afero.Fs
	lookPath func(string) (string, error)
	environ  func() []string
	logger   *logging.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithLookPath replaces exec.LookPath, mainly for tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(l *Launcher) { l.lookPath = fn }
}

// WithEnviron replaces os.Environ as the inherited environment.
func WithEnviron(fn func() []string) Option {
	return func(l *Launcher) { l.environ = fn }
}

// WithFs sets the filesystem used to validate path-kind commands.
func WithFs(fs afero.Fs) Option {
	return func(l *Launcher) { l.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{
		fs:       afero.NewOsFs(),
		lookPath: exec.LookPath,
		environ:  os.Environ,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BuildInvocation assembles the command line for req.
//
// Arguments are always DefaultArgs, then the mode's args, then
// PermissionSkipArgs when SkipPermissions is set, then ExtraArgs. The working
// directory is the worktree path.
func (l *Launcher) BuildInvocation(req Request) (Invocation, error) {
	def := req.Definition

	args := make([]string, 0, len(def.DefaultArgs)+len(req.ExtraArgs)+4)
	args = append(args, def.DefaultArgs...)
	args = append(args, expandSessionTokens(def.ModeArgs.For(req.Mode), req.ResumeID)...)
	if req.SkipPermissions {
		args = append(args, def.PermissionSkipArgs...)
	}
	args = append(args, req.ExtraArgs...)

	inv := Invocation{
		Command: def.Command,
		Args:    args,
		Env:     mergeEnv(l.environ(), def.Env),
		Dir:     req.WorktreePath,
	}

	switch def.Kind {
	case KindPath:
		path := def.Command
		if !filepath.IsAbs(path) {
			path = filepath.Join(req.WorktreePath, path)
		}
		if !l.isExecutable(path) {
			return Invocation{}, errors.NewAgentError("validate path", errors.ErrInvalidPath).
				WithAgentID(def.ID).WithCommand(path)
		}
		inv.Path = path

	case KindCommand:
		path, err := l.lookPath(def.Command)
		if err == nil {
			inv.Path = path
			break
		}
		if def.Package == "" {
			return Invocation{}, errors.NewAgentError("resolve command", errors.ErrCommandNotFound).
				WithAgentID(def.ID).WithCommand(def.Command)
		}
		l.logger.Debug("command not on PATH, using package runner",
			"agent", def.ID, "command", def.Command, "package", def.Package)
		if err := l.viaPackageRunner(&inv, def, def.Package); err != nil {
			return Invocation{}, err
		}

	case KindPackageRunner:
		pkg := def.Package
		if pkg == "" {
			pkg = def.Command
		}
		if err := l.viaPackageRunner(&inv, def, pkg); err != nil {
			return Invocation{}, err
		}

	default:
		return Invocation{}, errors.NewValidationError("unknown agent type").WithField("type").WithValue(string(def.Kind))
	}

	return inv, nil
}

// viaPackageRunner rewrites inv to run pkg through bunx, or npx when bunx is
// not installed.
func (l *Launcher) viaPackageRunner(inv *Invocation, def Definition, pkg string) error {
	if path, err := l.lookPath("bunx"); err == nil {
		inv.Command = "bunx"
		inv.Path = path
		inv.Args = append([]string{pkg}, inv.Args...)
		return nil
	}
	if path, err := l.lookPath("npx"); err == nil {
		inv.Command = "npx"
		inv.Path = path
		inv.Args = append([]string{"--yes", pkg}, inv.Args...)
		return nil
	}
	return errors.NewAgentError("resolve package runner", errors.ErrCommandNotFound).
		WithAgentID(def.ID).WithCommand("bunx/npx " + pkg)
}

func (l *Launcher) isExecutable(path string) bool {
	info, err := l.fs.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Version runs the tool's version command and returns its first output line.
// Package runners are skipped since they may download the package. Failures
// yield an empty string.
func (l *Launcher) Version(ctx context.Context, def Definition, inv Invocation) string {
	if inv.Path == "" || inv.Command == "bunx" || inv.Command == "npx" {
		return ""
	}
	args := def.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}

	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, inv.Path, args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	out, err := cmd.Output()
	if err != nil {
		l.logger.Debug("version probe failed", "agent", def.ID, "error", err)
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(line)
}

var sessionTokenPattern = regexp.MustCompile(`\{session_id(?:\|([^}]*))?\}`)

// expandSessionTokens substitutes resumeID for {session_id} tokens. Without
// an id, the token's default is used if it has one; otherwise an argument that
// is only the token is dropped, and an argument embedding it is dropped too.
func expandSessionTokens(args []string, resumeID string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if !sessionTokenPattern.MatchString(arg) {
			out = append(out, arg)
			continue
		}

		drop := false
		expanded := sessionTokenPattern.ReplaceAllStringFunc(arg, func(tok string) string {
			if resumeID != "" {
				return resumeID
			}
			m := sessionTokenPattern.FindStringSubmatch(tok)
			if len(m) > 1 && m[1] != "" {
				return m[1]
			}
			drop = true
			return ""
		})
		if !drop {
			out = append(out, expanded)
		}
	}
	return out
}

// mergeEnv returns base with TERM set and overrides applied. Overrides are
// applied in key order so the result is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	replaced := map[string]bool{"TERM": true}
	for k := range overrides {
		replaced[k] = true
	}

	env := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if replaced[key] {
			continue
		}
		env = append(env, kv)
	}

	if _, ok := overrides["TERM"]; !ok {
		env = append(env, "TERM="+DefaultTerm)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
