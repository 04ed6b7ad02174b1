package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/internal/store"
)

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "Inspect analyses",
	Long:  "Commands for listing analyses, viewing one in full, and reading its recommendations.",
}

// -- analyses list --

var analysesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyses",
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

		tenant, _ := cmd.Flags().GetString("tenant")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.AnalysisFilter{
			TenantID: tenant,
			Status:   model.AnalysisStatus(status),
			Limit:    limit,
		}

		analyses, err := st.ListAnalyses(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "analyses list")
		}

		if len(analyses) == 0 {
			fmt.Fprintln(os.Stderr, "No analyses found.")
			return nil
		}

		formatAnalysesList(os.Stdout, analyses)
		return nil
	},
}

// -- analyses show --

var analysesShowCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Show full details of an analysis",
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

		a, err := st.GetAnalysis(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyses show")
		}
		files, err := st.ListSourceFiles(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyses show")
		}
		entries, err := st.CountStockEntries(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyses show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"analysis":      a,
			"source_files":  files,
			"stock_entries": entries,
		})
	},
}

// -- analyses recommendations --

var analysesRecsCmd = &cobra.Command{
	Use:   "recommendations <analysis-id>",
	Short: "List recommendations for an analysis",
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

		recs, err := st.ListRecommendations(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "analyses recommendations")
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No recommendations found.")
			return nil
		}

		formatRecommendationsList(os.Stdout, recs)
		return nil
	},
}

func init() {
	analysesListCmd.Flags().String("tenant", "", "filter by tenant ID")
	analysesListCmd.Flags().String("status", "", "filter by status (pending, mapping_pending, completed, failed, ...)")
	analysesListCmd.Flags().Int("limit", 50, "max number of analyses to display")

	analysesCmd.AddCommand(analysesListCmd)
	analysesCmd.AddCommand(analysesShowCmd)
	analysesCmd.AddCommand(analysesRecsCmd)
	rootCmd.AddCommand(analysesCmd)
}

// formatAnalysesList writes a tabular list of analyses to w.
func formatAnalysesList(out io.Writer, analyses []model.Analysis) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTENANT\tNAME\tSTATUS\tCOLUMNS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t------\t-------\t-------")

	for _, a := range analyses {
		name := a.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(a.ID),
			a.TenantID,
			name,
			a.Status,
			len(a.OriginalColumns),
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRecommendationsList writes a tabular list of recommendations to w.
func formatRecommendationsList(out io.Writer, recs []model.Recommendation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATUS\tTITLE")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t------\t-----")

	for _, r := range recs {
		title := r.Title
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Type,
			r.Priority,
			r.Status,
			title,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
