package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// LocalDirName is the per-repository configuration directory.
const LocalDirName = ".branchyard"

// toolFileNames are tried in order; the first existing file wins.
var toolFileNames = []string{"tools.yaml", "tools.yml", "tools.json"}

// ToolsFile is the on-disk layout of a tool definition file. JSON files
// parse through the same YAML decoder.
type ToolsFile struct {
	Version string             `yaml:"version"`
	Agents  []agent.Definition `yaml:"customCodingAgents"`
}

// AgentSources locates the tool definition files.
type AgentSources struct {
	Fs        afero.Fs
	ConfigDir string
	RepoRoot  string
	Logger    *logging.Logger
}

// SupportedToolsVersion is the newest tool definition file format this
// build understands.
const SupportedToolsVersion = "1.0.0"

// LoadAgents returns the built-in definitions overlaid with the global and
// then the repository-local tool files. A later definition replaces an
// earlier one with the same id. An invalid definition is skipped with a
// warning so one bad entry never hides the others. A file that cannot be
// read, has unknown fields or a missing or newer version contributes nothing
// and is reported in the returned error, which names the file; the set is
// still usable.
func LoadAgents(src AgentSources) (*agent.Set, error) {
	fs := src.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := src.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("config")

	set := agent.NewSet(agent.Builtins()...)

	var dirs []string
	if src.ConfigDir != "" {
		dirs = append(dirs, src.ConfigDir)
	}
	if src.RepoRoot != "" {
		dirs = append(dirs, filepath.Join(src.RepoRoot, LocalDirName))
	}

	var errs []error
	for _, dir := range dirs {
		path, ok := findToolsFile(fs, dir)
		if !ok {
			continue
		}
		file, err := readToolsFile(fs, path)
		if err != nil {
			logger.Warn("rejected tool definition file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		for _, def := range file.Agents {
			if def.Kind == "" {
				def.Kind = agent.KindCommand
			}
			if err := def.Validate(); err != nil {
				logger.Warn("skipping invalid agent definition", "path", path, "error", err)
				continue
			}
			set.Put(def)
		}
		logger.Debug("loaded tool definitions", "path", path, "count", len(file.Agents))
	}

	return set, errors.Join(errs...)
}

func findToolsFile(fs afero.Fs, dir string) (string, bool) {
	for _, name := range toolFileNames {
		path := filepath.Join(dir, name)
		info, err := fs.Stat(path)
		if err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// readToolsFile decodes path strictly. Every error names the file.
func readToolsFile(fs afero.Fs, path string) (*ToolsFile, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("tools file %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file ToolsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tools file %s: %w", path, errors.NewValidationError(err.Error()))
	}
	if err := checkToolsVersion(file.Version); err != nil {
		return nil, fmt.Errorf("tools file %s: %w", path, err)
	}
	return &file, nil
}

// checkToolsVersion accepts dotted numeric versions up to
// SupportedToolsVersion; missing parts count as zero.
func checkToolsVersion(v string) error {
	invalid := func(msg string) error {
		return errors.NewValidationError(msg).WithField("version").WithValue(v)
	}
	if v == "" {
		return invalid("version is required")
	}
	got, ok := parseVersion(v)
	if !ok {
		return invalid("version must be dotted numbers such as 1.0.0")
	}
	supported, _ := parseVersion(SupportedToolsVersion)
	for i := range supported {
		if got[i] != supported[i] {
			if got[i] > supported[i] {
				return invalid("version is newer than the supported " + SupportedToolsVersion)
			}
			return nil
		}
	}
	return nil
}

func parseVersion(v string) ([3]int, bool) {
	var out [3]int
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if len(parts) > len(out) {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// WriteToolsFile persists definitions at path, creating parent directories.
func WriteToolsFile(fs afero.Fs, path string, defs []agent.Definition) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(ToolsFile{Version: SupportedToolsVersion, Agents: defs})
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, os.FileMode(0o644))
}
