package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/Iron-Ham/branchyard/internal/output"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var agentsCmd = &cobra.Command{
	Use:   "agents [id]",
	Short: "List the coding agents that can be launched",
	Long: `Agents lists the built-in agents and those defined in tool files:

  $XDG_CONFIG_HOME/branchyard/tools.yaml   (or tools.json)
  <repo>/.branchyard/tools.yaml            (or tools.json)

A later definition with the same id replaces an earlier one. With an id,
the merged definition of that agent is printed in tools file form.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAgents,
}

var agentsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in agents to a global tools file as a starting point",
	Args:  cobra.NoArgs,
	RunE:  runAgentsInit,
}

func init() {
	agentsCmd.AddCommand(agentsInitCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine()

	if len(args) == 1 {
		d, err := e.Agent(args[0])
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	}

	var rows [][]string
	for _, d := range e.Agents() {
		rows = append(rows, []string{d.ID, d.DisplayName, string(d.Kind), d.Command, modes(d)})
	}
	return output.Render(cmd.OutOrStdout(), []string{"ID", "NAME", "TYPE", "COMMAND", "MODES"}, rows)
}

func modes(d agent.Definition) string {
	out := []string{string(agent.ModeNormal)}
	for _, m := range []agent.Mode{agent.ModeContinue, agent.ModeResume} {
		if len(d.ModeArgs.For(m)) > 0 {
			out = append(out, string(m))
		}
	}
	return strings.Join(out, ",")
}

func runAgentsInit(cmd *cobra.Command, args []string) error {
	path := config.ToolsFilePath()
	fs := afero.NewOsFs()
	if ok, _ := afero.Exists(fs, path); ok {
		return fmt.Errorf("tools file already exists at %s", path)
	}
	if err := config.WriteToolsFile(fs, path, agent.Builtins()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
