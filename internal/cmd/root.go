package cmd

import (
	"context"
	"time"

	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/Iron-Ham/branchyard/internal/engine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "branchyard",
	Short: "Run coding agents in per-branch git worktrees",
	Long: `Branchyard resolves a branch to its own git worktree, launches a coding
agent there under a pseudo-terminal, and records every session so it can be
listed, resumed or streamed to a remote client.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// closeTimeout bounds engine teardown after a command finishes.
const closeTimeout = 15 * time.Second

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/branchyard/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// BRANCHYARD_LOCK_ACQUIRE_TIMEOUT overrides lock.acquire_timeout
	config.BindEnv(viper.GetViper())

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// openEngine loads the configuration and opens the engine for the repository
// containing the working directory. The returned function closes it.
func openEngine(cmd *cobra.Command) (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(cmd.Context(), engine.Options{Config: cfg})
	if err != nil {
		return nil, nil, err
	}
	return e, func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = e.Close(ctx)
	}, nil
}
