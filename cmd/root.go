/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qqbot/pkg/config"
	"qqbot/pkg/logger"
	_ "qqbot/pkg/plugins/builtin"
)

var (
	version = "dev"
	commit  = "unknown"

	configPath string
	envFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qqbot",
	Short: "QQ bot runtime with hot-reloadable handlers",
	Long: `qqbot connects to a QQ event stream, routes messages to the handlers in
its plugin directory and posts their replies back through the messaging API.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (overrides QQBOT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// bootstrap loads the environment, configuration and process logger shared
// by every subcommand. Local commands skip the platform credential checks.
func bootstrap(local bool) (*config.Config, func(), error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(configPath) != "" {
		if err := os.Setenv("QQBOT_CONFIG", configPath); err != nil {
			return nil, nil, fmt.Errorf("set config path: %w", err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	validate := cfg.Validate
	if local {
		validate = cfg.ValidateLocal
	}
	if err := validate(); err != nil {
		return nil, nil, err
	}

	appLogger, closeLog, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, func() { _ = closeLog() }, nil
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
