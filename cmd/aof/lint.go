package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seldon-engine/aof/pkg/registry"
	"github.com/seldon-engine/aof/pkg/store"
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check board integrity on disk",
	Long: `Scan task boards for integrity problems: torn moves, duplicate cards,
header/directory disagreements, leftover temp files, orphaned working
directories and dangling references.

Lint reads the data directory directly and never repairs anything; it
works with or without a running daemon. The exit code is non-zero when
issues are found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		reg := registry.New(dataDir(cmd))
		defer reg.Close()

		var ids []string
		broken := 0
		if project != "" {
			ids = []string{project}
		} else {
			records, err := reg.Projects(true)
			if err != nil {
				return err
			}
			for _, rec := range records {
				if rec.Err != nil {
					fmt.Printf("%s: broken manifest: %v\n", rec.ID, rec.Err)
					broken++
					continue
				}
				// Synthesized projects with no directory yet have
				// nothing to lint, and opening them would create it.
				if _, err := os.Stat(rec.Path); os.IsNotExist(err) {
					continue
				}
				ids = append(ids, rec.ID)
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		total := broken
		for _, id := range ids {
			st, err := reg.Open(id)
			if err != nil {
				return fmt.Errorf("open project %s: %w", id, err)
			}
			issues, err := st.Lint()
			if err != nil {
				return fmt.Errorf("lint project %s: %w", id, err)
			}
			printIssues(w, id, issues)
			total += len(issues)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if total > 0 {
			return fmt.Errorf("found %d integrity issue(s)", total)
		}
		fmt.Println("✓ Board is clean")
		return nil
	},
}

func printIssues(w *tabwriter.Writer, projectID string, issues []store.Issue) {
	for _, is := range issues {
		task := is.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", projectID, is.Kind, task, is.Detail)
	}
}

func init() {
	lintCmd.Flags().StringP("project", "p", "", "Lint a single project")
}
