// Package main provides the CLI entry point for posesync
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/normanking/posesync/internal/config"
	"github.com/normanking/posesync/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time)
var version = "dev"

type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	syslog *logging.Logger
}

func main() {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "posesync",
		Short: "Drive a 3D avatar from camera pose and sync it with a peer",
		Long: `posesync captures body pose from a camera, maps it onto the joints of a
3D avatar, renders it locally and mirrors it to remote peers through a relay.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.syslog != nil {
				a.syslog.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.posesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(a.relayCmd(), a.sessionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads .env files, then configuration, then the logger
func (a *app) setup() error {
	loaded := loadEnvFiles()

	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		a.cfg.Logging.Level = a.logLevel
	}

	a.syslog, err = logging.New(&logging.Config{
		LogDir:  a.cfg.Logging.Dir,
		Level:   logging.LogLevel(a.cfg.Logging.Level),
		Console: a.cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if len(loaded) > 0 {
		a.syslog.Info("env", "Loaded environment files", map[string]interface{}{"files": loaded})
	}
	return nil
}

// loadEnvFiles loads ~/.posesync/.env and ./.env. Variables already set in
// the environment win.
func loadEnvFiles() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".posesync", ".env"))
	}
	paths = append(paths, ".env")

	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}
