package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/foreman/internal/beads"
	"github.com/zulandar/foreman/internal/convoy"
)

var beadRepo string

var beadCmd = &cobra.Command{
	Use:   "bead",
	Short: "Create and inspect Beads in the git-backed store",
}

func init() {
	beadCmd.PersistentFlags().StringVar(&beadRepo, "repo", ".", "path to the git repository holding .beads/")
	beadCmd.AddCommand(beadCreateCmd, beadShowCmd, beadListCmd)
}

var (
	beadName        string
	beadDescription string
	beadTestCases   []string
	beadPriority    int
	beadConvoyID    string
)

var beadCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new pending Bead",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := beads.Open(beadRepo, true)
		if err != nil {
			return fatalf("opening bead store: %w", err)
		}

		var convoys *convoy.Registry
		if beadConvoyID != "" {
			convoys, err = convoy.Open(beadRepo)
			if err != nil {
				return fatalf("opening convoy registry: %w", err)
			}
			if _, err := convoys.Get(beadConvoyID); err != nil {
				return fatalf("looking up convoy %s: %w", beadConvoyID, err)
			}
		}

		id, err := store.NextID("t")
		if err != nil {
			return fatalf("allocating bead id: %w", err)
		}
		b := &beads.Bead{
			ID:          id,
			Name:        beadName,
			Description: beadDescription,
			TestCases:   beadTestCases,
			Status:      beads.StatusPending,
			Priority:    beadPriority,
			ConvoyID:    beadConvoyID,
		}
		if err := store.Save(b, ""); err != nil {
			return fatalf("saving bead: %w", err)
		}

		if convoys != nil {
			if err := convoys.AddBead(beadConvoyID, id); err != nil {
				return fatalf("adding %s to convoy %s: %w", id, beadConvoyID, err)
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var beadShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one Bead's fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := beads.Open(beadRepo, true)
		if err != nil {
			return fatalf("opening bead store: %w", err)
		}
		b, err := store.Load(args[0])
		if err != nil {
			return fatalf("loading bead %s: %w", args[0], err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintf(w, "id:\t%s\n", b.ID)
		fmt.Fprintf(w, "name:\t%s\n", b.Name)
		fmt.Fprintf(w, "status:\t%s\n", b.Status)
		fmt.Fprintf(w, "priority:\t%d\n", b.Priority)
		fmt.Fprintf(w, "description:\t%s\n", b.Description)
		fmt.Fprintf(w, "assigned_to:\t%s\n", b.LockHolder)
		fmt.Fprintf(w, "convoy_id:\t%s\n", b.ConvoyID)
		fmt.Fprintf(w, "updated_at:\t%s\n", b.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		return w.Flush()
	},
}

var beadListStatus string

var beadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List Beads, optionally filtered by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := beads.Open(beadRepo, true)
		if err != nil {
			return fatalf("opening bead store: %w", err)
		}
		all, err := store.LoadAll()
		if err != nil {
			return fatalf("listing beads: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIORITY")
		for _, b := range all {
			if beadListStatus != "" && string(b.Status) != beadListStatus {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", b.ID, b.Name, b.Status, b.Priority)
		}
		return w.Flush()
	},
}

func init() {
	beadCreateCmd.Flags().StringVar(&beadName, "name", "", "bead name (required)")
	beadCreateCmd.Flags().StringVar(&beadDescription, "description", "", "bead description")
	beadCreateCmd.Flags().StringArrayVar(&beadTestCases, "test-case", nil, "acceptance test case (repeatable)")
	beadCreateCmd.Flags().IntVar(&beadPriority, "priority", 0, "scheduling priority, higher runs first")
	beadCreateCmd.Flags().StringVar(&beadConvoyID, "convoy", "", "id of an existing Convoy to add this bead to")
	_ = beadCreateCmd.MarkFlagRequired("name")

	beadListCmd.Flags().StringVar(&beadListStatus, "status", "", "filter by status (pending, in_progress, passing, skipped, needs_review)")
}
