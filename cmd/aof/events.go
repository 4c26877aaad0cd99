package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seldon-engine/aof/pkg/client"
	"github.com/seldon-engine/aof/pkg/types"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read a project's event log",
}

func eventQuery(cmd *cobra.Command) (client.EventQuery, error) {
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		return client.EventQuery{}, fmt.Errorf("--project is required")
	}
	typs, _ := cmd.Flags().GetStringSlice("type")
	taskID, _ := cmd.Flags().GetString("task")
	actor, _ := cmd.Flags().GetString("actor")
	q := client.EventQuery{
		Project: project,
		Types:   typs,
		TaskID:  taskID,
		Actor:   actor,
	}
	if sinceStr, _ := cmd.Flags().GetString("since"); sinceStr != "" {
		since, err := parseSince(sinceStr)
		if err != nil {
			return client.EventQuery{}, err
		}
		q.Since = since
	}
	return q, nil
}

// parseSince accepts either an RFC3339 timestamp or a relative duration
// like 2h or 30m.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cannot parse --since %q: want RFC3339 or a duration like 2h", s)
}

func printEvent(e *types.Event) {
	line := fmt.Sprintf("%s  %-28s", e.Timestamp.Format(time.RFC3339), e.Type)
	if e.TaskID != "" {
		line += "  " + e.TaskID
	}
	if e.Actor != "" {
		line += "  by " + e.Actor
	}
	fmt.Println(line)
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			fmt.Printf("    %s\n", data)
		}
	}
}

var eventsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query past events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := eventQuery(cmd)
		if err != nil {
			return err
		}
		q.Limit, _ = cmd.Flags().GetInt("limit")

		ctx, cancel := cliContext()
		defer cancel()
		evs, err := dialClient(cmd).Events(ctx, q)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			fmt.Println("No events.")
			return nil
		}
		for _, e := range evs {
			printEvent(e)
		}
		return nil
	},
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow events as they happen",
	Long: `Follow a project's event log from now (or --since) onward.

Tailing long-polls the daemon; stop with Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := eventQuery(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return dialClient(cmd).Tail(ctx, q, printEvent)
	},
}

func init() {
	eventsCmd.AddCommand(eventsQueryCmd)
	eventsCmd.AddCommand(eventsTailCmd)

	eventsCmd.PersistentFlags().StringP("project", "p", "", "Project id")
	eventsCmd.PersistentFlags().StringSlice("type", nil, "Filter by event type (repeatable)")
	eventsCmd.PersistentFlags().String("task", "", "Filter by task id")
	eventsCmd.PersistentFlags().String("actor", "", "Filter by actor")
	eventsCmd.PersistentFlags().String("since", "", "Start point: RFC3339 or a duration like 2h")

	eventsQueryCmd.Flags().Int("limit", 0, "Maximum events to return (0 = all)")
}
