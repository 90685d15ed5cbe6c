package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowguard/rowguard/internal/adapter/outbound/controlplane/devstore"
	"github.com/rowguard/rowguard/internal/config"
)

var (
	devListenAddr   string
	devSQLitePath   string
	devSeedUser     string
	devSeedPassword string
	devSeedGroups   []string
	devDataSource   string
	devIntegration  string
	devPolicyModule string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the bundled sqlite-backed development control plane",
	Long: `devserver starts a local stand-in for the external control plane,
answering the same Auth/GetDataSource/GetIntegrationConfig calls and
policy stream a production control plane would. It is meant for local
iteration and integration tests and is never part of the "start" path.`,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devListenAddr, "listen_addr", "127.0.0.1:8090", "address the dev control plane listens on")
	devserverCmd.Flags().StringVar(&devSQLitePath, "sqlite_path", "", "path to the sqlite state file (defaults under the user's home directory)")
	devserverCmd.Flags().StringVar(&devSeedUser, "seed_user", "dev", "username seeded into the store on startup")
	devserverCmd.Flags().StringVar(&devSeedPassword, "seed_password", "dev", "password seeded for seed_user")
	devserverCmd.Flags().StringSliceVar(&devSeedGroups, "seed_groups", []string{"dev"}, "groups seeded for seed_user")
	devserverCmd.Flags().StringVar(&devDataSource, "data_source_name", "local", "data source name GetDataSource answers with")
	devserverCmd.Flags().StringVar(&devIntegration, "integration_config_name", "local", "name GetIntegrationConfig answers with")
	devserverCmd.Flags().StringVar(&devPolicyModule, "policy_module", "", "path to a compiled WASM policy module to seed (optional)")
	rootCmd.AddCommand(devserverCmd)
}

func runDevserver(cmd *cobra.Command, args []string) error {
	path := devSQLitePath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = home + "/.rowguard/devstore.sqlite"
	}

	store, err := devstore.Open(path)
	if err != nil {
		return fmt.Errorf("open dev store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateIdentity(ctx, devSeedUser, devSeedPassword, devSeedGroups, 0, false); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}
	if err := store.SetDataSourceName(ctx, devDataSource); err != nil {
		return fmt.Errorf("seed data source name: %w", err)
	}
	if err := store.SetIntegrationConfigName(ctx, devIntegration); err != nil {
		return fmt.Errorf("seed integration config name: %w", err)
	}
	if devPolicyModule != "" {
		bytecode, err := os.ReadFile(devPolicyModule)
		if err != nil {
			return fmt.Errorf("read policy module: %w", err)
		}
		if err := store.SeedPolicy(ctx, bytecode); err != nil {
			return fmt.Errorf("seed policy module: %w", err)
		}
	}

	logger := newLogger(config.LogConfig{Level: "info", Format: "text"})
	server := &devstore.Server{Store: store, Logger: logger}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("dev control plane listening", "addr", devListenAddr, "sqlite_path", path)
	return server.Run(runCtx, devListenAddr)
}
