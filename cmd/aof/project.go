package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeArchived, _ := cmd.Flags().GetBool("archived")

		ctx, cancel := cliContext()
		defer cancel()
		infos, err := dialClient(cmd).Projects(ctx, includeArchived)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTITLE")
		for _, info := range infos {
			status := info.Status
			if info.Err != "" {
				status = "broken"
			}
			if info.Archived {
				status = "archived"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, orDash(status), orDash(info.Title))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, info := range infos {
			if info.Err != "" {
				fmt.Printf("\n%s: %s\n", info.ID, info.Err)
			}
		}
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectListCmd)
	projectListCmd.Flags().Bool("archived", false, "Include archived projects")
}
