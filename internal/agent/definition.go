// Package agent describes launchable coding-agent tools and turns a tool
// definition plus an execution mode into a concrete process invocation.
//
// Built-in tools and user-defined tools share the same Definition type; the
// launcher never distinguishes between them.
package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/errors"
)

// Kind is how a definition's command is executed.
type Kind string

const (
	// KindPath runs an executable file at an explicit path.
	KindPath Kind = "path"
	// KindCommand resolves the command on PATH.
	KindCommand Kind = "command"
	// KindPackageRunner runs a package through bunx or npx.
	KindPackageRunner Kind = "package-runner"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPath, KindCommand, KindPackageRunner:
		return true
	}
	return false
}

// UnmarshalText accepts the kind names used by tool files, including the
// "bunx" alias for package runners.
func (k *Kind) UnmarshalText(text []byte) error {
	switch s := strings.ToLower(strings.TrimSpace(string(text))); s {
	case "bunx", "npx", "package", "package-runner":
		*k = KindPackageRunner
	case "resolved-command", "command", "":
		*k = KindCommand
	default:
		*k = Kind(s)
	}
	return nil
}

// Mode selects which per-mode argument set is used.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeContinue Mode = "continue"
	ModeResume   Mode = "resume"
)

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNormal, ModeContinue, ModeResume:
		return m, nil
	case "":
		return ModeNormal, nil
	}
	return "", errors.NewValidationError("unknown execution mode").WithField("mode").WithValue(s)
}

// ModeArgs holds the arguments appended for each execution mode.
type ModeArgs struct {
	Normal   []string `yaml:"normal,omitempty" json:"normal,omitempty"`
	Continue []string `yaml:"continue,omitempty" json:"continue,omitempty"`
	Resume   []string `yaml:"resume,omitempty" json:"resume,omitempty"`
}

// For returns the argument set for mode, or nil when the tool defines none.
func (m ModeArgs) For(mode Mode) []string {
	switch mode {
	case ModeNormal:
		return m.Normal
	case ModeContinue:
		return m.Continue
	case ModeResume:
		return m.Resume
	}
	return nil
}

// Definition is the static description of a launchable tool.
type Definition struct {
	ID                 string            `yaml:"id" json:"id"`
	DisplayName        string            `yaml:"displayName" json:"displayName"`
	Kind               Kind              `yaml:"type" json:"type"`
	Command            string            `yaml:"command" json:"command"`
	Package            string            `yaml:"package,omitempty" json:"package,omitempty"`
	DefaultArgs        []string          `yaml:"defaultArgs,omitempty" json:"defaultArgs,omitempty"`
	ModeArgs           ModeArgs          `yaml:"modeArgs,omitempty" json:"modeArgs,omitempty"`
	PermissionSkipArgs []string          `yaml:"permissionSkipArgs,omitempty" json:"permissionSkipArgs,omitempty"`
	Env                map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	VersionArgs        []string          `yaml:"versionArgs,omitempty" json:"versionArgs,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Validate checks the fields every definition must carry.
func (d Definition) Validate() error {
	switch {
	case !idPattern.MatchString(d.ID):
		return errors.NewValidationError("id must contain only letters, digits and hyphens").
			WithField("id").WithValue(d.ID)
	case strings.TrimSpace(d.DisplayName) == "":
		return errors.NewValidationError(fmt.Sprintf("agent %q: displayName is required", d.ID)).
			WithField("displayName")
	case strings.TrimSpace(d.Command) == "":
		return errors.NewValidationError(fmt.Sprintf("agent %q: command is required", d.ID)).
			WithField("command")
	case !d.Kind.Valid():
		return errors.NewValidationError(fmt.Sprintf("agent %q: unknown type", d.ID)).
			WithField("type").WithValue(string(d.Kind))
	}
	return nil
}

// Set is an ordered collection of definitions keyed by id.
type Set struct {
	order []string
	defs  map[string]Definition
}

// NewSet builds a Set; later definitions replace earlier ones with the same id
// while keeping the original position.
func NewSet(defs ...Definition) *Set {
	s := &Set{defs: make(map[string]Definition)}
	for _, d := range defs {
		s.Put(d)
	}
	return s
}

// Put adds or replaces a definition.
func (s *Set) Put(d Definition) {
	if _, ok := s.defs[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.defs[d.ID] = d
}

// Get looks up a definition by id.
func (s *Set) Get(id string) (Definition, error) {
	d, ok := s.defs[id]
	if !ok {
		return Definition{}, errors.NewAgentError("lookup definition", errors.ErrUnknownAgent).WithAgentID(id)
	}
	return d, nil
}

// All returns the definitions in insertion order.
func (s *Set) All() []Definition {
	out := make([]Definition, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id])
	}
	return out
}

// Len returns the number of definitions.
func (s *Set) Len() int {
	return len(s.order)
}
