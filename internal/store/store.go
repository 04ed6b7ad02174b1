// Package store persists analyses, source files, stock entries, and
// recommendations. Safety across pipeline stages comes from the status
// state machine (compare-and-swap transitions), not from store-side
// transactions spanning stages.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrStatusConflict is returned when a compare-and-swap status transition
// finds the analysis in a different state than expected. This is how a
// second concurrent trigger for the same analysis is detected and rejected.
var ErrStatusConflict = eris.New("store: analysis status conflict")

// AnalysisFilter specifies criteria for listing analyses.
type AnalysisFilter struct {
	TenantID string               `json:"tenant_id,omitempty"`
	Status   model.AnalysisStatus `json:"status,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface consumed by the pipeline.
type Store interface {
	// Analyses
	CreateAnalysis(ctx context.Context, a *model.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*model.Analysis, error)
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error)
	// TransitionStatus moves an analysis from an expected status to a new
	// one atomically. Returns ErrStatusConflict when the current status does
	// not match.
	TransitionStatus(ctx context.Context, id string, from, to model.AnalysisStatus) error
	// SetStatus unconditionally overwrites the status. Reserved for restart
	// and failure paths; stages use TransitionStatus.
	SetStatus(ctx context.Context, id string, status model.AnalysisStatus) error
	UpdateMapping(ctx context.Context, id string, originalColumns []string, mapped map[string]string, unavailable []string) error
	// MergeMetadata merges doc into the named namespace of the analysis
	// metadata document. Sibling namespaces and sibling keys inside the
	// namespace are preserved.
	MergeMetadata(ctx context.Context, id, namespace string, doc map[string]any) error
	// ReplaceMetadataNamespace overwrites the named namespace with doc,
	// discarding whatever it held before. Sibling namespaces are preserved.
	// Restart uses this to drop stale stage documents.
	ReplaceMetadataNamespace(ctx context.Context, id, namespace string, doc map[string]any) error
	DeleteAnalysis(ctx context.Context, id string) error

	// Source files
	CreateSourceFile(ctx context.Context, f *model.SourceFile) error
	ListSourceFiles(ctx context.Context, analysisID string) ([]model.SourceFile, error)

	// Stock entries
	InsertStockEntries(ctx context.Context, entries []model.StockEntry) (int64, error)
	// ListStockEntriesPage returns up to limit entries with id > afterID,
	// ordered by id. Keyset pagination keeps memory bounded on both sides.
	ListStockEntriesPage(ctx context.Context, analysisID string, afterID int64, limit int) ([]model.StockEntry, error)
	CountStockEntries(ctx context.Context, analysisID string) (int, error)
	DeleteStockEntries(ctx context.Context, analysisID string) (int64, error)

	// Recommendations
	InsertRecommendations(ctx context.Context, recs []model.Recommendation) error
	ListRecommendations(ctx context.Context, analysisID string) ([]model.Recommendation, error)
	DeleteRecommendations(ctx context.Context, analysisID string) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
