package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/seldon-engine/aof/pkg/client"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aof",
	Short: "AOF - filesystem-native orchestrator for coding agents",
	Long: `AOF coordinates fleets of coding agents over a plain directory tree.

Tasks are markdown cards filed under status directories, every change is
an append to a JSONL event log, and the whole board stays inspectable
with ls, cat and grep. A single daemon per data directory schedules,
dispatches, and supervises agent sessions; this CLI talks to it over a
unix socket.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AOF version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "Orchestrator data directory")
	rootCmd.PersistentFlags().String("socket", "", "Daemon socket path (default <data-dir>/aof.sock)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(lintCmd)
}

func defaultDataDir() string {
	if dir := os.Getenv("AOF_DATA_DIR"); dir != "" {
		return dir
	}
	return "./aof-data"
}

func dataDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data-dir")
	return dir
}

func socketPath(cmd *cobra.Command) string {
	if sock, _ := cmd.Flags().GetString("socket"); sock != "" {
		return sock
	}
	return filepath.Join(dataDir(cmd), server.SocketFile)
}

func dialClient(cmd *cobra.Command) *client.Client {
	return client.New(socketPath(cmd))
}

// cliContext bounds one request-response command. Tailing commands build
// their own signal-aware context instead.
func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
