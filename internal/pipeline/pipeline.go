package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/stockintel/analysis-cli/internal/config"
	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/internal/store"
	"github.com/stockintel/analysis-cli/pkg/anthropic"
)

// Input errors are reported to the caller without mutating analysis state.
var (
	ErrInvalidInput  = eris.New("pipeline: invalid input")
	ErrMissingScript = eris.Wrap(ErrInvalidInput, "no analysis script")
)

// Metadata namespaces. Each stage writes only its own namespace; the store
// merge preserves all siblings.
const (
	nsMapping  = "mapping"
	nsCleaning = "cleaning"
	nsAnalysis = "analysis"
)

// asyncMappingTimeout bounds a fire-and-forget mapping run.
const asyncMappingTimeout = 5 * time.Minute

// Pipeline orchestrates the analysis stages. Status is the single source of
// truth for what may happen next; every stage checks it before mutating.
type Pipeline struct {
	cfg   *config.Config
	store store.Store
	ai    anthropic.Client
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, ai anthropic.Client) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, ai: ai}
}

// StartMapping aggregates the source files and proposes a column mapping,
// leaving the analysis in mapping_pending for human confirmation. A second
// concurrent trigger is rejected with a status conflict.
func (p *Pipeline) StartMapping(ctx context.Context, id string) error {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.TransitionStatus(ctx, id, model.StatusPending, model.StatusMappingInProgress); err != nil {
		return err
	}

	files, err := p.store.ListSourceFiles(ctx, id)
	if err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsMapping, err, nil)
	}

	ds, err := Aggregate(files, p.cfg.Files.BaseDir, p.cfg.Pipeline.SampleRowsPerFile)
	if err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsMapping, err, nil)
	}

	result, err := p.proposeMapping(ctx, ds, describeProvenance(files))
	if err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsMapping, err, nil)
	}

	if err := p.store.UpdateMapping(ctx, id, ds.Columns, result.MappedColumns, nil); err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsMapping, err, nil)
	}
	if err := p.store.MergeMetadata(ctx, id, nsMapping, map[string]any{
		"confidence":     result.Confidence,
		"reasoning":      result.Reasoning,
		"column_sources": ds.ColumnSources,
		"warnings":       ds.Warnings,
		"proposed_at":    time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsMapping, err, nil)
	}

	if err := p.store.TransitionStatus(ctx, id, model.StatusMappingInProgress, model.StatusMappingPending); err != nil {
		return err
	}

	zap.L().Info("pipeline: mapping proposed",
		zap.String("analysis_id", id),
		zap.String("tenant_id", a.TenantID),
		zap.Int("columns", len(ds.Columns)),
		zap.Float64("confidence", result.Confidence),
	)
	return nil
}

// StartMappingAsync triggers mapping without blocking the caller. Failures
// are reported out of band: StartMapping writes the failed status and the
// diagnostic itself.
func (p *Pipeline) StartMappingAsync(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncMappingTimeout)
		defer cancel()
		if err := p.StartMapping(ctx, id); err != nil {
			zap.L().Error("pipeline: async mapping failed",
				zap.String("analysis_id", id),
				zap.Error(err),
			)
		}
	}()
}

// ConfirmMapping applies the human-confirmed mapping. It is rejected, with
// no state mutation, unless every required target field is mapped or
// explicitly marked not-available.
func (p *Pipeline) ConfirmMapping(ctx context.Context, id string, mapped map[string]string, unavailable []string) error {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != model.StatusMappingPending {
		return eris.Wrapf(ErrInvalidInput, "analysis is %s, expected %s", a.Status, model.StatusMappingPending)
	}
	if err := validateConfirmation(mapped, unavailable); err != nil {
		return err
	}

	if err := p.store.UpdateMapping(ctx, id, a.OriginalColumns, mapped, unavailable); err != nil {
		return err
	}
	return p.store.MergeMetadata(ctx, id, nsMapping, map[string]any{
		"confirmed":    true,
		"confirmed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// PrepareCleaning generates a reviewable cleaning plan without mutating any
// data. Re-invoking regenerates and replaces the plan.
func (p *Pipeline) PrepareCleaning(ctx context.Context, id string) (*model.CleaningPlan, error) {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mappingConfirmed(a) {
		return nil, eris.Wrap(ErrInvalidInput, "mapping not confirmed")
	}
	if err := p.transition(ctx, id, a.Status, model.StatusCleaningInProgress); err != nil {
		return nil, err
	}

	ds, err := p.aggregateFor(ctx, id)
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}

	plan, err := p.preparePlan(ctx, ds, a.MappedColumns)
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}

	if err := p.store.MergeMetadata(ctx, id, nsCleaning, map[string]any{"plan": plan}); err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}
	if err := p.store.TransitionStatus(ctx, id, model.StatusCleaningInProgress, model.StatusCleaningPrepared); err != nil {
		return nil, err
	}
	return plan, nil
}

// ExecuteCleaning applies the approved plan: it regenerates the
// transformation script with the user's toggles, transforms the aggregated
// rows, and replaces the full stock entry set (delete then batch insert).
// When no plan was prepared, one is generated inline (single-phase flow).
func (p *Pipeline) ExecuteCleaning(ctx context.Context, id string, toggles map[string]bool) (*model.CleaningReport, error) {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mappingConfirmed(a) {
		return nil, eris.Wrap(ErrInvalidInput, "mapping not confirmed")
	}
	if err := p.transition(ctx, id, a.Status, model.StatusCleaningInProgress); err != nil {
		return nil, err
	}

	ds, err := p.aggregateFor(ctx, id)
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}

	plan, err := decodeMetadata[model.CleaningPlan](a.MetadataNamespace(nsCleaning), "plan")
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}
	if plan == nil {
		plan, err = p.preparePlan(ctx, ds, a.MappedColumns)
		if err != nil {
			return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
		}
	}
	plan.ApplyToggles(toggles)

	script, err := p.regenerateScript(ctx, plan)
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}

	entries, report := transformRows(ds, a.MappedColumns, plan.EnabledCategories(), id, a.TenantID)

	// Full replace semantics: execute is not safely re-runnable without
	// clearing prior entries first.
	if _, err := p.store.DeleteStockEntries(ctx, id); err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}
	for start := 0; start < len(entries); start += p.cfg.Pipeline.InsertBatchSize {
		end := start + p.cfg.Pipeline.InsertBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		if _, err := p.store.InsertStockEntries(ctx, entries[start:end]); err != nil {
			return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
		}
	}

	if err := p.store.MergeMetadata(ctx, id, nsCleaning, map[string]any{
		"report":          report,
		"executed_script": script,
		"toggles":         toggles,
		"executed_at":     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusCleaningFailed, nsCleaning, err, nil)
	}
	if err := p.store.TransitionStatus(ctx, id, model.StatusCleaningInProgress, model.StatusReadyForAnalysis); err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: cleaning executed",
		zap.String("analysis_id", id),
		zap.Int("rows_processed", report.RowsProcessed),
		zap.Int("rows_cleaned", report.RowsCleaned),
		zap.Int("rows_dropped", report.RowsDropped),
	)
	return &report, nil
}

// GenerateScript synthesizes an analysis script from the dataset profile and
// the analytical intent. The full dataset never reaches the model.
func (p *Pipeline) GenerateScript(ctx context.Context, id, intent string) (*ScriptResult, error) {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != model.StatusReadyForAnalysis {
		return nil, eris.Wrapf(ErrInvalidInput, "analysis is %s, expected %s", a.Status, model.StatusReadyForAnalysis)
	}

	profile, err := p.buildProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := p.generateScript(ctx, profile, intent)
	if err != nil {
		return nil, p.failAnalysis(ctx, id, model.StatusFailed, nsAnalysis, err, nil)
	}

	if err := p.store.MergeMetadata(ctx, id, nsAnalysis, map[string]any{
		"script":       result.Script,
		"notes":        result.Notes,
		"intent":       intent,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// SetUserScript stores a user-supplied script. It always takes precedence
// over the generated one.
func (p *Pipeline) SetUserScript(ctx context.Context, id, script string) error {
	if strings.TrimSpace(script) == "" {
		return eris.Wrap(ErrInvalidInput, "empty script")
	}
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != model.StatusReadyForAnalysis {
		return eris.Wrapf(ErrInvalidInput, "analysis is %s, expected %s", a.Status, model.StatusReadyForAnalysis)
	}
	return p.store.MergeMetadata(ctx, id, nsAnalysis, map[string]any{
		"user_script": script,
	})
}

// RunAnalysis executes the stored script over the full stock entry set, then
// turns the resulting facts document into recommendations and completes the
// analysis.
func (p *Pipeline) RunAnalysis(ctx context.Context, id, intent string) error {
	a, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}

	script := p.selectScript(a)
	if script == "" {
		return ErrMissingScript
	}

	if err := p.store.TransitionStatus(ctx, id, model.StatusReadyForAnalysis, model.StatusAnalysisInProgress); err != nil {
		return err
	}

	res, err := p.runScript(ctx, id, script)
	if err != nil {
		extra := map[string]any{}
		if res != nil {
			extra["stderr"] = res.Stderr
			extra["stdout"] = res.Stdout
			extra["timed_out"] = res.TimedOut
			extra["rows_streamed"] = res.RowsStreamed
		}
		return p.failAnalysis(ctx, id, model.StatusFailed, nsAnalysis, err, extra)
	}

	if err := p.store.MergeMetadata(ctx, id, nsAnalysis, map[string]any{
		"facts":         res.Facts,
		"rows_streamed": res.RowsStreamed,
		"duration_ms":   res.Duration.Milliseconds(),
		"executed_at":   time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsAnalysis, err, nil)
	}

	recs, err := p.generateRecommendations(ctx, id, a.TenantID, res.Facts, intent)
	if err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsAnalysis, err, nil)
	}
	if err := p.store.InsertRecommendations(ctx, recs); err != nil {
		return p.failAnalysis(ctx, id, model.StatusFailed, nsAnalysis, err, nil)
	}

	if err := p.store.TransitionStatus(ctx, id, model.StatusAnalysisInProgress, model.StatusCompleted); err != nil {
		return err
	}

	zap.L().Info("pipeline: analysis completed",
		zap.String("analysis_id", id),
		zap.Int("rows_streamed", res.RowsStreamed),
		zap.Int("recommendations", len(recs)),
	)
	return nil
}

// Restart is the universal recovery path, safe from any state: it deletes
// all derived rows and recommendations, clears the mapping, resets the
// status to pending, and re-triggers mapping asynchronously.
func (p *Pipeline) Restart(ctx context.Context, id string) error {
	if _, err := p.store.GetAnalysis(ctx, id); err != nil {
		return err
	}

	if _, err := p.store.DeleteStockEntries(ctx, id); err != nil {
		return eris.Wrap(err, "pipeline: restart delete stock entries")
	}
	if _, err := p.store.DeleteRecommendations(ctx, id); err != nil {
		return eris.Wrap(err, "pipeline: restart delete recommendations")
	}
	if err := p.store.UpdateMapping(ctx, id, nil, nil, nil); err != nil {
		return eris.Wrap(err, "pipeline: restart clear mapping")
	}
	// Stage documents from the previous run (cleaning plan, scripts, facts,
	// diagnostics) must not leak into the next run.
	if err := p.store.ReplaceMetadataNamespace(ctx, id, nsCleaning, nil); err != nil {
		return eris.Wrap(err, "pipeline: restart reset cleaning metadata")
	}
	if err := p.store.ReplaceMetadataNamespace(ctx, id, nsAnalysis, nil); err != nil {
		return eris.Wrap(err, "pipeline: restart reset analysis metadata")
	}
	if err := p.store.ReplaceMetadataNamespace(ctx, id, nsMapping, map[string]any{
		"confirmed":    false,
		"restarted_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return eris.Wrap(err, "pipeline: restart reset metadata")
	}
	if err := p.store.SetStatus(ctx, id, model.StatusPending); err != nil {
		return eris.Wrap(err, "pipeline: restart reset status")
	}

	p.StartMappingAsync(id)
	return nil
}

// Delete removes the analysis with all dependent rows and stored files.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	files, err := p.store.ListSourceFiles(ctx, id)
	if err != nil {
		return err
	}
	for _, f := range files {
		path := filepath.Join(p.cfg.Files.BaseDir, f.StoragePath)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			zap.L().Warn("pipeline: could not remove stored file",
				zap.String("path", path),
				zap.Error(rmErr),
			)
		}
	}
	return p.store.DeleteAnalysis(ctx, id)
}

// transition validates a status move against the transition table before
// attempting the compare-and-swap. An illegal move is an input error, not a
// conflict.
func (p *Pipeline) transition(ctx context.Context, id string, from, to model.AnalysisStatus) error {
	if err := model.Transition(from, to); err != nil {
		return eris.Wrap(ErrInvalidInput, err.Error())
	}
	return p.store.TransitionStatus(ctx, id, from, to)
}

// failAnalysis records a structured diagnostic in the stage's namespace and
// moves the analysis to a failed-family status, so the state machine always
// reflects the last known outcome. The raw model response is never persisted.
func (p *Pipeline) failAnalysis(ctx context.Context, id string, status model.AnalysisStatus, ns string, cause error, extra map[string]any) error {
	diag := map[string]any{
		"error":     truncate(cause.Error(), maxDiagnosticBytes),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		diag[k] = v
	}

	if err := p.store.MergeMetadata(ctx, id, ns, diag); err != nil {
		zap.L().Error("pipeline: could not record diagnostic",
			zap.String("analysis_id", id),
			zap.Error(err),
		)
	}
	if err := p.store.SetStatus(ctx, id, status); err != nil {
		zap.L().Error("pipeline: could not set failed status",
			zap.String("analysis_id", id),
			zap.Error(err),
		)
	}

	zap.L().Error("pipeline: stage failed",
		zap.String("analysis_id", id),
		zap.String("namespace", ns),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
	return cause
}

// aggregateFor re-aggregates the raw source files of an analysis.
func (p *Pipeline) aggregateFor(ctx context.Context, id string) (*Dataset, error) {
	files, err := p.store.ListSourceFiles(ctx, id)
	if err != nil {
		return nil, err
	}
	return Aggregate(files, p.cfg.Files.BaseDir, p.cfg.Pipeline.SampleRowsPerFile)
}

// selectScript returns the script to execute: a user override always takes
// precedence over the generated one.
func (p *Pipeline) selectScript(a *model.Analysis) string {
	meta := a.MetadataNamespace(nsAnalysis)
	if meta == nil {
		return ""
	}
	if s, _ := meta["user_script"].(string); strings.TrimSpace(s) != "" {
		return s
	}
	s, _ := meta["script"].(string)
	return s
}

func mappingConfirmed(a *model.Analysis) bool {
	meta := a.MetadataNamespace(nsMapping)
	if meta == nil {
		return false
	}
	confirmed, _ := meta["confirmed"].(bool)
	return confirmed
}

// decodeMetadata extracts a typed document from a metadata namespace. The
// store round-trips metadata through JSON, so values come back as generic
// maps.
func decodeMetadata[T any](ns map[string]any, key string) (*T, error) {
	if ns == nil {
		return nil, nil
	}
	raw, ok := ns[key]
	if !ok || raw == nil {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: marshal metadata %s", key)
	}
	var v T
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil, eris.Wrapf(err, "pipeline: unmarshal metadata %s", key)
	}
	return &v, nil
}

func describeProvenance(files []model.SourceFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%d rows, %d columns)\n", f.FileName, f.RowCount, f.ColumnCount)
	}
	if b.Len() == 0 {
		return "(no files)"
	}
	return b.String()
}
