package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/foreman/internal/config"
	"github.com/mtzanidakis/foreman/internal/logging"
	"github.com/mtzanidakis/foreman/internal/store"
	"github.com/mtzanidakis/foreman/internal/store/postgres"
)

var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Request intake and multi-agent workflow orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default: $FOREMAN_CONFIG or "+config.DefaultPath+")")

	root.AddCommand(
		newGatewayCmd(),
		newClassifyCmd(),
		newSecretCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "foreman %s\n", version)
		},
	}
}

// loadConfig reads the --config file when given, otherwise the default
// location, and installs the configured logger.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Logging, os.Stderr)
	return cfg, path, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		db, err := store.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return db, nil
	}
}
