package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View branchyard configuration",
	Long: `View branchyard configuration.

Without arguments, displays the current configuration.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at $XDG_CONFIG_HOME/branchyard/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	data, err := yaml.Marshal(settings(cfg))
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// settings renders cfg with the same keys the config file uses.
func settings(cfg *config.Config) map[string]any {
	return map[string]any{
		"worktree": map[string]any{
			"dir":                cfg.Worktree.Dir,
			"protected_branches": cfg.Worktree.ProtectedBranches,
		},
		"lock": map[string]any{
			"stale_after":     cfg.Lock.StaleAfter.String(),
			"acquire_timeout": cfg.Lock.AcquireTimeout.String(),
			"retry_interval":  cfg.Lock.RetryInterval.String(),
		},
		"bridge": map[string]any{
			"terminate_grace":  cfg.Bridge.TerminateGrace.String(),
			"shutdown_grace":   cfg.Bridge.ShutdownGrace.String(),
			"rows":             cfg.Bridge.Rows,
			"cols":             cfg.Bridge.Cols,
			"scrollback_bytes": cfg.Bridge.ScrollbackBytes,
			"exit_linger":      cfg.Bridge.ExitLinger.String(),
		},
		"session": map[string]any{
			"store":          cfg.Session.Store,
			"retention_days": cfg.Session.RetentionDays,
		},
		"gateway": map[string]any{
			"addr":       cfg.Gateway.Addr,
			"send_queue": cfg.Gateway.SendQueue,
		},
		"events": map[string]any{
			"buffer": cfg.Events.Buffer,
		},
		"logging": map[string]any{
			"level":       cfg.Logging.Level,
			"dir":         cfg.Logging.Dir,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
		},
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(settings(config.Default()))
	if err != nil {
		return err
	}
	content := "# branchyard configuration\n# Every key can be overridden with " + config.EnvPrefix + "_<SECTION>_<KEY>.\n\n" + string(data)
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_LOCK_ACQUIRE_TIMEOUT)\n",
		config.EnvPrefix, strings.ToUpper(config.EnvPrefix))
	return nil
}
