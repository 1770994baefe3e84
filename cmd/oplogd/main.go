package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/golem-oplog/internal/cmd/client"
	serverrun "github.com/rzbill/golem-oplog/internal/cmd/server"
	cfgpkg "github.com/rzbill/golem-oplog/internal/config"
	logpkg "github.com/rzbill/golem-oplog/pkg/log"
)

func main() {
	// Respect OPLOG_LOG_LEVEL for CLI output
	level := os.Getenv("OPLOG_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:          "oplogd",
		Short:        "Durable execution oplog server and CLI",
		Long:         "oplogd stores worker oplogs across tiered storage and serves them over HTTP and gRPC.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("OPLOG_CONFIG"), "Config file (.json, .yaml or .yml)")

	rootCmd.AddCommand(newServerCommand(), newConfigCommand())
	rootCmd.AddCommand(
		clientcmd.NewOplogCommand(apiURL),
		clientcmd.NewWorkerCommand(apiURL),
		clientcmd.NewStatusCommand(apiURL),
		clientcmd.NewHealthCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, overlays OPLOG_* variables and validates.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, cfg.Validate()
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start oplogd server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dataDir, _ := cmd.Flags().GetString("data-dir")
			grpcAddr, _ := cmd.Flags().GetString("grpc")
			httpAddr, _ := cmd.Flags().GetString("http")
			if cmd.Flags().Changed("fsync") {
				cfg.Fsync, _ = cmd.Flags().GetString("fsync")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format, _ = cmd.Flags().GetString("log-format")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:  dataDir,
				GRPCAddr: grpcAddr,
				HTTPAddr: httpAddr,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses the config or an OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default from config, :50051)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "info", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "text", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	return serverCmd
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	initCmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write the default configuration to PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(args[0]); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", args[0])
			}
			b, err := cfgpkg.Marshal(cfgpkg.Default(), args[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], b, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			b, err := cfgpkg.Marshal(cfg, "effective.yaml")
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

func apiURL() string {
	if v := os.Getenv("OPLOG_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
