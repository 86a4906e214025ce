package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect reconciliation run history",
	Long:  "Commands for listing and viewing run markers from the marker store.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reconciliation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		target, _ := cmd.Flags().GetString("target")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		markers, err := st.ListMarkers(ctx, store.MarkerFilter{
			Target: target,
			Status: model.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(markers) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatMarkers(os.Stdout, markers)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		marker, err := st.GetMarker(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(marker)
	},
}

func formatMarkers(w io.Writer, markers []model.RunMarker) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tTARGET\tSTATUS\tCUTOFF\tSTARTED\tDURATION\tDEGRADED")
	for _, m := range markers {
		duration := "-"
		if m.CompletedAt != nil {
			duration = m.CompletedAt.Sub(m.StartedAt).Round(time.Millisecond).String()
		}
		degraded := ""
		if m.Degraded {
			degraded = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\t%s\t%s\n",
			m.RunID, m.Target, m.Status, m.CutoffUsed,
			m.StartedAt.Format(time.RFC3339), duration, degraded)
	}
	tw.Flush()
}

func init() {
	runsListCmd.Flags().String("target", "", "filter by reconciliation target")
	runsListCmd.Flags().String("status", "", "filter by run status")
	runsListCmd.Flags().Int("limit", 20, "maximum runs to list")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}
