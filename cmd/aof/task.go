package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seldon-engine/aof/pkg/client"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage task cards",
}

func requireProject(cmd *cobra.Command) (string, error) {
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		return "", fmt.Errorf("--project is required")
	}
	return project, nil
}

func actorFlag(cmd *cobra.Command) string {
	actor, _ := cmd.Flags().GetString("actor")
	return actor
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "File a new task card",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject(cmd)
		if err != nil {
			return err
		}
		body, _ := cmd.Flags().GetString("body")
		priority, _ := cmd.Flags().GetString("priority")
		agent, _ := cmd.Flags().GetString("agent")
		team, _ := cmd.Flags().GetString("team")
		role, _ := cmd.Flags().GetString("role")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		gates, _ := cmd.Flags().GetStringSlice("gate")
		parent, _ := cmd.Flags().GetString("parent")
		dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")

		ctx, cancel := cliContext()
		defer cancel()
		res, err := dialClient(cmd).CreateTask(ctx, protocol.CreateParams{
			ProjectID: project,
			Title:     strings.Join(args, " "),
			Body:      body,
			Priority:  priority,
			ParentID:  parent,
			DependsOn: dependsOn,
			Agent:     agent,
			Team:      team,
			Role:      role,
			Tags:      tags,
			Gates:     gates,
			Actor:     actorFlag(cmd),
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", res.Summary)
		if res.Details != "" {
			fmt.Printf("  %s\n", res.Details)
		}
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject(cmd)
		if err != nil {
			return err
		}
		statuses, _ := cmd.Flags().GetStringSlice("status")
		agent, _ := cmd.Flags().GetString("agent")
		team, _ := cmd.Flags().GetString("team")
		tag, _ := cmd.Flags().GetString("tag")
		parent, _ := cmd.Flags().GetString("parent")

		ctx, cancel := cliContext()
		defer cancel()
		ts, err := dialClient(cmd).Tasks(ctx, client.TaskFilter{
			Project:  project,
			Statuses: statuses,
			Agent:    agent,
			Team:     team,
			ParentID: parent,
			Tag:      tag,
		})
		if err != nil {
			return err
		}
		if len(ts) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tAGENT\tAGE\tTITLE")
		for _, t := range ts {
			who := t.Routing.Agent
			if t.Lease != nil {
				who = t.Lease.Agent
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, t.Priority, orDash(who), age(t.CreatedAt), t.Title)
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one task card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := cliContext()
		defer cancel()
		t, err := dialClient(cmd).Task(ctx, project, args[0])
		if err != nil {
			return err
		}
		printTask(t)
		return nil
	},
}

func printTask(t *types.Task) {
	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Title:     %s\n", t.Title)
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Priority:  %s\n", t.Priority)
	fmt.Printf("Created:   %s by %s\n", t.CreatedAt.Format(time.RFC3339), orDash(t.CreatedBy))
	fmt.Printf("Updated:   %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.ParentID != "" {
		fmt.Printf("Parent:    %s\n", t.ParentID)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("Depends:   %s\n", strings.Join(t.DependsOn, ", "))
	}
	routing := make([]string, 0, 4)
	if t.Routing.Agent != "" {
		routing = append(routing, "agent="+t.Routing.Agent)
	}
	if t.Routing.Team != "" {
		routing = append(routing, "team="+t.Routing.Team)
	}
	if t.Routing.Role != "" {
		routing = append(routing, "role="+t.Routing.Role)
	}
	if len(t.Routing.Tags) > 0 {
		routing = append(routing, "tags="+strings.Join(t.Routing.Tags, ","))
	}
	if len(routing) > 0 {
		fmt.Printf("Routing:   %s\n", strings.Join(routing, " "))
	}
	if t.Lease != nil {
		fmt.Printf("Lease:     %s until %s (renewals: %d)\n",
			t.Lease.Agent, t.Lease.ExpiresAt.Format(time.RFC3339), t.Lease.RenewCount)
	}
	if len(t.Gates) > 0 {
		fmt.Printf("Gates:     %s\n", strings.Join(t.Gates, ", "))
	}
	if len(t.Metadata) > 0 {
		fmt.Println("Metadata:")
		for k, v := range t.Metadata {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}
	if t.Body != "" {
		fmt.Printf("\n%s\n", strings.TrimRight(t.Body, "\n"))
	}
}

var taskTransitionCmd = &cobra.Command{
	Use:   "transition ID STATUS",
	Short: "Move a task to another lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runUpdate(cmd, args[0], args[1], reason)
	},
}

var taskBlockCmd = &cobra.Command{
	Use:   "block ID",
	Short: "Block a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			return fmt.Errorf("--reason is required when blocking")
		}
		return runUpdate(cmd, args[0], string(types.StatusBlocked), reason)
	},
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock ID",
	Short: "Return a blocked task to ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runUpdate(cmd, args[0], string(types.StatusReady), reason)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return runUpdate(cmd, args[0], string(types.StatusCancelled), reason)
	},
}

// runUpdate resolves an id prefix, then requests the transition through
// the tool API so permission checks and event logging apply.
func runUpdate(cmd *cobra.Command, idOrPrefix, status, reason string) error {
	project, err := requireProject(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := cliContext()
	defer cancel()

	c := dialClient(cmd)
	t, err := c.Task(ctx, project, idOrPrefix)
	if err != nil {
		return err
	}
	res, err := c.UpdateTask(ctx, protocol.UpdateParams{
		ProjectID: project,
		TaskID:    t.ID,
		Status:    status,
		Reason:    reason,
		Actor:     actorFlag(cmd),
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ %s\n", res.Summary)
	return nil
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete ID",
	Short: "Record a task outcome",
	Long: `Record an outcome for a task: complete, needs_review or blocked.

The outcome is written as a run result first, then walks the lifecycle,
exactly as if the assigned agent had reported it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject(cmd)
		if err != nil {
			return err
		}
		outcome, _ := cmd.Flags().GetString("outcome")
		summaryRef, _ := cmd.Flags().GetString("summary-ref")
		deliverables, _ := cmd.Flags().GetStringSlice("deliverable")
		notes, _ := cmd.Flags().GetString("notes")
		blockers, _ := cmd.Flags().GetStringSlice("blocker")

		ctx, cancel := cliContext()
		defer cancel()
		c := dialClient(cmd)
		t, err := c.Task(ctx, project, args[0])
		if err != nil {
			return err
		}
		res, err := c.CompleteTask(ctx, protocol.CompleteParams{
			ProjectID:    project,
			TaskID:       t.ID,
			Actor:        actorFlag(cmd),
			Outcome:      outcome,
			SummaryRef:   summaryRef,
			Deliverables: deliverables,
			Blockers:     blockers,
			Notes:        notes,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", res.Summary)
		return nil
	},
}

var taskDispatchCmd = &cobra.Command{
	Use:   "dispatch ID",
	Short: "Route a task and make it dispatchable now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := requireProject(cmd)
		if err != nil {
			return err
		}
		agent, _ := cmd.Flags().GetString("agent")

		ctx, cancel := cliContext()
		defer cancel()
		c := dialClient(cmd)
		t, err := c.Task(ctx, project, args[0])
		if err != nil {
			return err
		}
		res, err := c.Dispatch(ctx, protocol.DispatchParams{
			ProjectID: project,
			TaskID:    t.ID,
			Agent:     agent,
			Actor:     actorFlag(cmd),
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", res.Summary)
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// age renders a compact how-long-ago for list output.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func init() {
	taskCmd.PersistentFlags().StringP("project", "p", "", "Project id")
	taskCmd.PersistentFlags().String("actor", "cli", "Actor recorded in the event log")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskTransitionCmd)
	taskCmd.AddCommand(taskBlockCmd)
	taskCmd.AddCommand(taskUnblockCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskDispatchCmd)

	taskCreateCmd.Flags().String("body", "", "Markdown body for the card")
	taskCreateCmd.Flags().String("priority", "", "Priority: low, normal, high, critical")
	taskCreateCmd.Flags().String("agent", "", "Route to a specific agent")
	taskCreateCmd.Flags().String("team", "", "Route to a team")
	taskCreateCmd.Flags().String("role", "", "Route to a role")
	taskCreateCmd.Flags().StringSlice("tag", nil, "Routing tag (repeatable)")
	taskCreateCmd.Flags().StringSlice("gate", nil, "Workflow gate (repeatable)")
	taskCreateCmd.Flags().String("parent", "", "Parent task id")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "Dependency task id (repeatable)")

	taskListCmd.Flags().StringSlice("status", nil, "Filter by status (repeatable)")
	taskListCmd.Flags().String("agent", "", "Filter by routed agent")
	taskListCmd.Flags().String("team", "", "Filter by team")
	taskListCmd.Flags().String("tag", "", "Filter by tag")
	taskListCmd.Flags().String("parent", "", "Filter by parent task id")

	taskTransitionCmd.Flags().String("reason", "", "Reason recorded with the transition")
	taskBlockCmd.Flags().String("reason", "", "Why the task is blocked")
	taskUnblockCmd.Flags().String("reason", "", "Reason recorded with the transition")
	taskCancelCmd.Flags().String("reason", "", "Why the task is cancelled")

	taskCompleteCmd.Flags().String("outcome", "complete", "Outcome: complete, needs_review, blocked")
	taskCompleteCmd.Flags().String("summary-ref", "", "Path to the summary deliverable")
	taskCompleteCmd.Flags().StringSlice("deliverable", nil, "Produced artifact path (repeatable)")
	taskCompleteCmd.Flags().StringSlice("blocker", nil, "Blocker description (repeatable)")
	taskCompleteCmd.Flags().String("notes", "", "Free-form notes for the run result")

	taskDispatchCmd.Flags().String("agent", "", "Agent to route the task to")
}
