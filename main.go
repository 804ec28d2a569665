package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cellarsync/logger"
	"cellarsync/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "cellarsync",
	Short: "Keeps resources in sync across the nodes of a cluster group",
	Long: `cellarsync keeps OBR repository URLs and configuration properties
consistent across the nodes of cluster groups, according to a per-group,
per-category sync policy (disabled, node or cluster).

Without a subcommand it runs the daemon.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the configured groups and keep them in sync",
	RunE:  runDaemon,
}

func init() {
	registerFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(daemonCmd)
}

// setup loads the configuration and builds the logger shared by every
// command.
func setup(cmd *cobra.Command) (config, *zap.Logger, error) {
	conf, err := loadConfig(cmd.Flags())
	if err != nil {
		return config{}, nil, err
	}
	log := logger.New(logger.Config{Env: conf.Log.Env, Level: conf.Log.Level, NodeID: conf.Node.ID})
	return conf, log, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	conf, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, conf, log, true)
	if err != nil {
		return err
	}
	defer n.close(context.Background())

	log.Info("starting daemon",
		zap.String("backend", conf.Backend.Type),
		zap.Strings("groups", conf.Groups),
	)
	return daemon(ctx, n)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
