package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lei/simple-analytics/pkg/gateway"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "simple-analytics",
	Short:         "Asynchronous natural-language analytics gateway and worker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := os.Getenv("CONFIG_FILE")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "config file path (env CONFIG_FILE)")
}

func main() {
	// .env is optional, variables might be set externally
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*gateway.Config, error) {
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}
