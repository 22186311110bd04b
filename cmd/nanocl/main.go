package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CreepyPvP/nanocl/pkg/client"
	"github.com/CreepyPvP/nanocl/pkg/config"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nanocl",
	Short: "nanocl - declarative control plane for cargoes, vms and resources",
	Long: `nanocl manages namespaced cargoes (containers), vms and resources through
versioned, declarative state files.

Every change to an object appends a version to its history, so any apply can
be reverted and any object can be reset to an earlier version.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nanocl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("socket", config.DefaultSocket, "Daemon API unix socket")
	rootCmd.PersistentFlags().String("address", "", "Daemon API TCP address (overrides --socket)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table|json)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nanocl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// newClient connects to the daemon selected by the global flags
func newClient(cmd *cobra.Command) (*client.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")
	address, _ := cmd.Flags().GetString("address")

	c, err := client.New(client.Target(socket, address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return c, nil
}

// errorMessage strips the gRPC framing from errors returned by the daemon
func errorMessage(err error) string {
	if s, ok := status.FromError(err); ok {
		return fmt.Sprintf("%s (%s)", s.Message(), s.Code())
	}
	return err.Error()
}
