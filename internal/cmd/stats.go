package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/foreman/internal/beads"
)

var statsRepo string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print BeadStore completion statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := beads.Open(statsRepo, true)
		if err != nil {
			return fatalf("opening bead store: %w", err)
		}
		st, err := store.Stats()
		if err != nil {
			return fatalf("computing stats: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintf(w, "total:\t%d\n", st.Total)
		fmt.Fprintf(w, "percent_done:\t%.1f%%\n", st.PercentDone)

		statuses := make([]string, 0, len(st.ByStatus))
		for status := range st.ByStatus {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Fprintf(w, "%s:\t%d\n", status, st.ByStatus[beads.Status(status)])
		}
		return w.Flush()
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsRepo, "repo", ".", "path to the git repository holding .beads/")
}
