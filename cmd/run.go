package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stockintel/analysis-cli/internal/fetcher"
	"github.com/stockintel/analysis-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive pipeline stages for one analysis",
	Long:  "Subcommands walk an analysis through the pipeline: create, map, confirm, prepare, clean, script, analyze, restart, delete.",
}

// -- run create --

var (
	createTenant string
	createName   string
)

var runCreateCmd = &cobra.Command{
	Use:   "create <file>...",
	Short: "Create an analysis from one or more spreadsheet files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		a := &model.Analysis{TenantID: createTenant, Name: createName}
		if err := st.CreateAnalysis(ctx, a); err != nil {
			return err
		}

		for _, path := range args {
			sf, err := stageSourceFile(a.ID, path)
			if err != nil {
				return err
			}
			if err := st.CreateSourceFile(ctx, sf); err != nil {
				return err
			}
			zap.L().Info("source file registered",
				zap.String("analysis", a.ID),
				zap.String("file", sf.FileName),
				zap.Int("rows", sf.RowCount),
			)
		}

		fmt.Println(a.ID)
		return nil
	},
}

// stageSourceFile copies path under the files base dir for the analysis and
// returns a SourceFile record with row and column counts from a parse pass.
func stageSourceFile(analysisID, path string) (*model.SourceFile, error) {
	table, err := fetcher.ReadTable(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}

	base := filepath.Base(path)
	destDir := filepath.Join(cfg.Files.BaseDir, analysisID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "create upload dir")
	}
	if err := copyFile(path, filepath.Join(destDir, base)); err != nil {
		return nil, err
	}

	return &model.SourceFile{
		AnalysisID:  analysisID,
		FileName:    base,
		StoragePath: filepath.Join(analysisID, base),
		RowCount:    len(table.Rows),
		ColumnCount: len(table.Header),
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return eris.Wrapf(err, "copy to %s", dst)
	}
	return out.Close()
}

// -- run map --

var runMapCmd = &cobra.Command{
	Use:   "map <analysis-id>",
	Short: "Aggregate source files and propose a column mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.StartMapping(ctx, args[0]); err != nil {
			return err
		}

		a, err := env.Store.GetAnalysis(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"status":         a.Status,
			"mapped_columns": a.MappedColumns,
			"mapping":        a.MetadataNamespace("mapping"),
		})
	},
}

// -- run confirm --

var (
	confirmMappings    []string
	confirmUnavailable []string
)

var runConfirmCmd = &cobra.Command{
	Use:   "confirm <analysis-id>",
	Short: "Confirm the column mapping",
	Long:  "Confirms the mapping with optional corrections. Every required field must be mapped or listed as not available.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mapped, err := resolveMapping(ctx, env, args[0], confirmMappings)
		if err != nil {
			return err
		}

		if err := env.Pipeline.ConfirmMapping(ctx, args[0], mapped, confirmUnavailable); err != nil {
			return err
		}

		zap.L().Info("mapping confirmed",
			zap.String("analysis", args[0]),
			zap.Int("mapped", len(mapped)),
			zap.Strings("not_available", confirmUnavailable),
		)
		return nil
	},
}

// resolveMapping starts from the proposed mapping and applies overrides of
// the form source=target. An empty target drops the source column.
func resolveMapping(ctx context.Context, env *pipelineEnv, id string, overrides []string) (map[string]string, error) {
	a, err := env.Store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}

	mapped := make(map[string]string, len(a.MappedColumns))
	for src, target := range a.MappedColumns {
		mapped[src] = target
	}

	for _, o := range overrides {
		src, target, ok := strings.Cut(o, "=")
		if !ok {
			return nil, eris.Errorf("invalid --map %q, expected source=target", o)
		}
		if target == "" {
			delete(mapped, src)
			continue
		}
		mapped[src] = target
	}

	return mapped, nil
}

// -- run prepare --

var runPrepareCmd = &cobra.Command{
	Use:   "prepare <analysis-id>",
	Short: "Generate the cleaning plan for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		plan, err := env.Pipeline.PrepareCleaning(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(plan)
	},
}

// -- run clean --

var cleanDisabled []string

var runCleanCmd = &cobra.Command{
	Use:   "clean <analysis-id>",
	Short: "Execute cleaning into normalized stock entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		toggles := make(map[string]bool, len(cleanDisabled))
		for _, id := range cleanDisabled {
			toggles[id] = false
		}

		report, err := env.Pipeline.ExecuteCleaning(ctx, args[0], toggles)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

// -- run script --

var (
	scriptIntent string
	scriptFile   string
)

var runScriptCmd = &cobra.Command{
	Use:   "script <analysis-id>",
	Short: "Generate the analysis script, or install a user-supplied one",
	Long:  "Without --file, asks the model to generate an analysis script from the dataset profile. With --file, installs the given script; user scripts always take precedence over generated ones.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if scriptFile != "" {
			data, err := os.ReadFile(scriptFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", scriptFile)
			}
			if err := env.Pipeline.SetUserScript(ctx, args[0], string(data)); err != nil {
				return err
			}
			zap.L().Info("user script installed", zap.String("analysis", args[0]))
			return nil
		}

		result, err := env.Pipeline.GenerateScript(ctx, args[0], scriptIntent)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// -- run analyze --

var analyzeIntent string

var runAnalyzeCmd = &cobra.Command{
	Use:   "analyze <analysis-id>",
	Short: "Execute the analysis script and generate recommendations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.RunAnalysis(ctx, args[0], analyzeIntent); err != nil {
			return err
		}

		a, err := env.Store.GetAnalysis(ctx, args[0])
		if err != nil {
			return err
		}
		recs, err := env.Store.ListRecommendations(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"status":          a.Status,
			"analysis":        a.MetadataNamespace("analysis"),
			"recommendations": len(recs),
		})
	},
}

// -- run restart --

var runRestartCmd = &cobra.Command{
	Use:   "restart <analysis-id>",
	Short: "Reset an analysis and re-trigger mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Pipeline.Restart(ctx, args[0]); err != nil {
			return err
		}

		zap.L().Info("analysis restarted", zap.String("analysis", args[0]))
		return nil
	},
}

// -- run delete --

var runDeleteCmd = &cobra.Command{
	Use:   "delete <analysis-id>",
	Short: "Delete an analysis and everything derived from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Pipeline.Delete(ctx, args[0])
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCreateCmd.Flags().StringVar(&createTenant, "tenant", "", "tenant ID (required)")
	runCreateCmd.Flags().StringVar(&createName, "name", "", "analysis name")
	_ = runCreateCmd.MarkFlagRequired("tenant")

	runConfirmCmd.Flags().StringArrayVar(&confirmMappings, "map", nil, "mapping override source=target (repeatable, empty target drops the column)")
	runConfirmCmd.Flags().StringSliceVar(&confirmUnavailable, "not-available", nil, "target fields the data cannot supply")

	runCleanCmd.Flags().StringSliceVar(&cleanDisabled, "disable", nil, "cleaning action IDs to switch off")

	runScriptCmd.Flags().StringVar(&scriptIntent, "intent", "", "analytical intent for script generation")
	runScriptCmd.Flags().StringVar(&scriptFile, "file", "", "path to a user-supplied analysis script")

	runAnalyzeCmd.Flags().StringVar(&analyzeIntent, "intent", "", "strategic intent for recommendations")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runMapCmd)
	runCmd.AddCommand(runConfirmCmd)
	runCmd.AddCommand(runPrepareCmd)
	runCmd.AddCommand(runCleanCmd)
	runCmd.AddCommand(runScriptCmd)
	runCmd.AddCommand(runAnalyzeCmd)
	runCmd.AddCommand(runRestartCmd)
	runCmd.AddCommand(runDeleteCmd)
	rootCmd.AddCommand(runCmd)
}
