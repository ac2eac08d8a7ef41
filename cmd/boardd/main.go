// boardd runs the board hook pipeline daemon and talks to it from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/bborn/boardhooks/internal/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var version = "dev"

// Styles
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "boardd",
		Short:         "Board hook pipeline daemon",
		Long:          "Runs the hooks bound to board columns as tasks move through them.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Config file (.yaml or .toml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(newServeCmd(load, &configPath))
	rootCmd.AddCommand(newCleanupCmd(load))
	rootCmd.AddCommand(newTaskCmd(load))
	rootCmd.AddCommand(newSeedCmd(load))
	return rootCmd
}
