package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cameo/internal/config"
	"cameo/internal/home"
	"cameo/version"
)

var (
	cfgFile string
	homeDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "cameo",
	Short: "Render a real person into their favorite fictional universes",
	Long: `Cameo renders a person into scenes from a fandom they love.

Given a source photo and a scene manifest, the pipeline:
  - Drafts a render prompt per scene and revises it against critic feedback
  - Renders candidate images with identity-preserving conditioning
  - Scores each candidate's face against the source photo embedding
  - Applies one face correction pass to near misses before retrying

Scenes run in parallel and fail independently; every batch ends with a
report of what was accepted, degraded or lost.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.cameo/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "cameo home directory (default: ~/.cameo)",
	)
	rootCmd.PersistentFlags().BoolVar(
		&verbose, "verbose", false, "enable debug logging",
	)

	// API keys appear in config as ${VAR} references resolved from the
	// process environment; a local .env file fills them in for development.
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	}

	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the CLI logger, honoring --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// getHome returns the home directory manager.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	return h, nil
}

// loadConfig loads the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	return mgr.Get(), nil
}
