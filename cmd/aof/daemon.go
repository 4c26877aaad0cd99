package main

import (
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seldon-engine/aof/pkg/daemon"
	"github.com/seldon-engine/aof/pkg/executor"
	"github.com/seldon-engine/aof/pkg/health"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and inspect the orchestrator daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	Long: `Start the orchestrator daemon for a data directory.

The daemon opens every project, serves the unix-socket API, and runs the
scheduler's poll loop until SIGINT or SIGTERM, then drains: running
sessions are wound down, event logs are flushed, and the socket and PID
file are removed.

With --agent-cmd the daemon spawns one subprocess per dispatched task,
handing it the task context on stdin and in AOF_* environment variables.
Without it, tasks are leased and announced but nothing is spawned; agents
pick work up through the protocol instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		leaseTTL, _ := cmd.Flags().GetDuration("lease-ttl")
		heartbeatTTL, _ := cmd.Flags().GetDuration("heartbeat-ttl")
		spawnTimeout, _ := cmd.Flags().GetDuration("spawn-timeout")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		requireReview, _ := cmd.Flags().GetBool("require-review")
		cascadeBlocks, _ := cmd.Flags().GetBool("cascade-blocks")
		agentCmd, _ := cmd.Flags().GetString("agent-cmd")
		agentArgs, _ := cmd.Flags().GetStringArray("agent-arg")

		var exe executor.Executor
		if agentCmd != "" {
			execCfg := executor.DefaultExecConfig()
			execCfg.Command = agentCmd
			execCfg.Args = agentArgs
			execCfg.HeartbeatTTL = heartbeatTTL
			var err error
			exe, err = executor.NewExec(execCfg)
			if err != nil {
				return err
			}
		}

		d, err := daemon.New(daemon.Config{
			DataDir:    dataDir(cmd),
			SocketPath: socketPath(cmd),
			Executor:   exe,
			Scheduler: scheduler.Config{
				PollInterval:            pollInterval,
				MaxConcurrentDispatches: maxConcurrent,
				DefaultLeaseTTL:         leaseTTL,
				HeartbeatTTL:            heartbeatTTL,
				SpawnTimeout:            spawnTimeout,
				MaxRetries:              maxRetries,
				RequireReview:           requireReview,
			},
			Router: protocol.Config{
				CascadeBlocks: cascadeBlocks,
				RequireReview: requireReview,
			},
		})
		if err != nil {
			return err
		}

		fmt.Printf("Starting AOF daemon\n")
		fmt.Printf("  Data Directory: %s\n", dataDir(cmd))
		fmt.Printf("  Socket: %s\n", d.SocketPath())
		fmt.Println()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		rep, err := dialClient(cmd).Health(ctx)
		if err != nil {
			return err
		}
		printHealth(rep)
		return nil
	},
}

func printHealth(rep *health.Report) {
	fmt.Printf("Status:  %s\n", rep.Status)
	fmt.Printf("Uptime:  %s\n", rep.Uptime)
	if !rep.LastPollAt.IsZero() {
		fmt.Printf("Last poll:  %s\n", rep.LastPollAt.Format(time.RFC3339))
	}
	if !rep.LastEventAt.IsZero() {
		fmt.Printf("Last event: %s\n", rep.LastEventAt.Format(time.RFC3339))
	}

	if len(rep.TaskCounts) > 0 {
		fmt.Println("\nTasks:")
		statuses := make([]string, 0, len(rep.TaskCounts))
		for s := range rep.TaskCounts {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			if rep.TaskCounts[s] > 0 {
				fmt.Printf("  %-12s %d\n", s, rep.TaskCounts[s])
			}
		}
	}

	fmt.Println("\nComponents:")
	names := make([]string, 0, len(rep.Components))
	for n := range rep.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c := rep.Components[n]
		mark := "✓"
		if !c.Healthy {
			mark = "✗"
		}
		if c.Message != "" {
			fmt.Printf("  %s %-12s %s\n", mark, n, c.Message)
		} else {
			fmt.Printf("  %s %s\n", mark, n)
		}
	}
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	def := scheduler.DefaultConfig()
	daemonStartCmd.Flags().Duration("poll-interval", def.PollInterval, "Gap between scheduler polls")
	daemonStartCmd.Flags().Int("max-concurrent", def.MaxConcurrentDispatches, "Concurrent in-progress task cap")
	daemonStartCmd.Flags().Duration("lease-ttl", def.DefaultLeaseTTL, "Lease granted at dispatch and renewal")
	daemonStartCmd.Flags().Duration("heartbeat-ttl", def.HeartbeatTTL, "Heartbeat freshness window")
	daemonStartCmd.Flags().Duration("spawn-timeout", def.SpawnTimeout, "Session deadline handed to the executor")
	daemonStartCmd.Flags().Int("max-retries", def.MaxRetries, "Unclassified dispatch failures before deadletter")
	daemonStartCmd.Flags().Bool("require-review", false, "Route completed tasks through review")
	daemonStartCmd.Flags().Bool("cascade-blocks", false, "Block queued dependents when a task blocks")
	daemonStartCmd.Flags().String("agent-cmd", "", "Agent launcher binary; empty disables spawning")
	daemonStartCmd.Flags().StringArray("agent-arg", nil, "Extra argument for the agent launcher (repeatable)")
}
