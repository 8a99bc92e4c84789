/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"os"
	"strings"

	"sessionbus/pkg/config"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X sessionbus/cmd.version=...".
var version = "dev"

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sessionbus",
	Short: "Session-scoped command and event bus",
	Long: `sessionbus runs an in-process command/event bus with session isolation,
scheduled events that survive restarts and approval-gated commands.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $SESSIONBUS_CONFIG, ./config.json, ./config/config.json, ./config.yaml)")
}

// loadConfig reads --config when given, else the discovered config file.
// Without any file the defaults plus SESSIONBUS_* overrides are used.
func loadConfig(path string) (*config.Config, error) {
	if value := strings.TrimSpace(path); value != "" {
		return config.LoadFile(value)
	}

	cfg, err := config.LoadConfig()
	if errors.Is(err, config.ErrNotFound) {
		return config.FromEnv()
	}

	return cfg, err
}
