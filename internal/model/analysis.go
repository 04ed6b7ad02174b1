package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// AnalysisStatus represents the current state of an analysis run.
type AnalysisStatus string

const (
	StatusPending            AnalysisStatus = "pending"
	StatusMappingInProgress  AnalysisStatus = "mapping_in_progress"
	StatusMappingPending     AnalysisStatus = "mapping_pending"
	StatusCleaningInProgress AnalysisStatus = "cleaning_in_progress"
	StatusCleaningPrepared   AnalysisStatus = "cleaning_prepared"
	StatusCleaningFailed     AnalysisStatus = "cleaning_failed"
	StatusReadyForAnalysis   AnalysisStatus = "ready_for_analysis"
	StatusAnalysisInProgress AnalysisStatus = "analysis_in_progress"
	StatusCompleted          AnalysisStatus = "completed"
	StatusFailed             AnalysisStatus = "failed"
)

// transitions enumerates every legal forward move. Restart is the only
// operation allowed to leave this table; it resets to pending from any state.
var transitions = map[AnalysisStatus][]AnalysisStatus{
	StatusPending:            {StatusMappingInProgress},
	StatusMappingInProgress:  {StatusMappingPending, StatusFailed},
	StatusMappingPending:     {StatusCleaningInProgress},
	StatusCleaningInProgress: {StatusCleaningPrepared, StatusReadyForAnalysis, StatusCleaningFailed},
	StatusCleaningPrepared:   {StatusCleaningInProgress},
	StatusReadyForAnalysis:   {StatusAnalysisInProgress},
	StatusAnalysisInProgress: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status value.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case StatusPending, StatusMappingInProgress, StatusMappingPending,
		StatusCleaningInProgress, StatusCleaningPrepared, StatusCleaningFailed,
		StatusReadyForAnalysis, StatusAnalysisInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal analyses can only
// be restarted or deleted.
func (s AnalysisStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCleaningFailed
}

// InProgress reports whether a stage is actively mutating the analysis.
// At most one stage may hold an in-progress status at a time; the
// compare-and-swap transition in the store enforces this.
func (s AnalysisStatus) InProgress() bool {
	return s == StatusMappingInProgress || s == StatusCleaningInProgress || s == StatusAnalysisInProgress
}

// Transition validates a status move. It returns nil when next is reachable
// from s, and a descriptive error otherwise.
func Transition(s, next AnalysisStatus) error {
	if !s.Valid() {
		return eris.Errorf("model: unknown status %q", s)
	}
	if !next.Valid() {
		return eris.Errorf("model: unknown status %q", next)
	}
	for _, allowed := range transitions[s] {
		if next == allowed {
			return nil
		}
	}
	return eris.Errorf("model: illegal status transition %s -> %s", s, next)
}

// Analysis is one end-to-end pipeline run for a tenant's uploaded dataset.
type Analysis struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Name              string            `json:"name"`
	Status            AnalysisStatus    `json:"status"`
	OriginalColumns   []string          `json:"original_columns,omitempty"`
	MappedColumns     map[string]string `json:"mapped_columns,omitempty"`
	UnavailableFields []string          `json:"unavailable_fields,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// MetadataNamespace returns the named sub-document of the analysis metadata,
// or nil if the namespace has never been written.
func (a *Analysis) MetadataNamespace(ns string) map[string]any {
	if a.Metadata == nil {
		return nil
	}
	sub, _ := a.Metadata[ns].(map[string]any)
	return sub
}

// SourceFile is one uploaded spreadsheet belonging to an analysis.
// Immutable once created.
type SourceFile struct {
	ID          string    `json:"id"`
	AnalysisID  string    `json:"analysis_id"`
	FileName    string    `json:"file_name"`
	StoragePath string    `json:"storage_path"`
	RowCount    int       `json:"row_count"`
	ColumnCount int       `json:"column_count"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
