package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/stockintel/analysis-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// development; Postgres is the production backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	name               TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	original_columns   TEXT,
	mapped_columns     TEXT,
	unavailable_fields TEXT,
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(status);

CREATE TABLE IF NOT EXISTS source_files (
	id           TEXT PRIMARY KEY,
	analysis_id  TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	file_name    TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	column_count INTEGER NOT NULL DEFAULT 0,
	uploaded_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_source_files_analysis ON source_files(analysis_id);

CREATE TABLE IF NOT EXISTS stock_entries (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_id         TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	tenant_id           TEXT NOT NULL,
	sku                 TEXT NOT NULL,
	name                TEXT,
	quantity            REAL,
	unit_cost           REAL,
	total_value         REAL,
	location            TEXT,
	category            TEXT,
	supplier            TEXT,
	last_movement       TEXT,
	days_since_movement INTEGER,
	attributes          TEXT
);

CREATE INDEX IF NOT EXISTS idx_stock_entries_analysis ON stock_entries(analysis_id, id);

CREATE TABLE IF NOT EXISTS recommendations (
	id               TEXT PRIMARY KEY,
	analysis_id      TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	tenant_id        TEXT NOT NULL,
	rec_type         TEXT NOT NULL,
	pillar           TEXT,
	level            TEXT,
	priority         TEXT,
	title            TEXT NOT NULL,
	description      TEXT,
	action_items     TEXT,
	affected_skus    TEXT,
	estimated_impact TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recommendations_analysis ON recommendations(analysis_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.StatusPending
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, tenant_id, name, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, string(a.Status), string(metadataJSON), now, now,
	)
	return eris.Wrap(err, "sqlite: insert analysis")
}

func scanAnalysis(scan func(dest ...any) error) (*model.Analysis, error) {
	var a model.Analysis
	var origJSON, mappedJSON, unavailJSON, metadataJSON sql.NullString
	if err := scan(&a.ID, &a.TenantID, &a.Name, &a.Status, &origJSON, &mappedJSON, &unavailJSON, &metadataJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: scan analysis")
	}
	if err := unmarshalAnalysisDocs(&a, []byte(origJSON.String), []byte(mappedJSON.String), []byte(unavailJSON.String), []byte(metadataJSON.String)); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status, original_columns, mapped_columns, unavailable_fields, metadata, created_at, updated_at
		 FROM analyses WHERE id = ?`,
		id,
	)
	return scanAnalysis(row.Scan)
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	query := `SELECT id, tenant_id, name, status, original_columns, mapped_columns, unavailable_fields, metadata, created_at, updated_at
	          FROM analyses WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close()

	var analyses []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, *a)
	}
	return analyses, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from, to model.AnalysisStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition analysis %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for analysis %s", id)
	}
	if n == 0 {
		if _, getErr := s.GetAnalysis(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status %s", id)
	}
	return checkRowsAffected(res, "analysis", id)
}

func (s *SQLiteStore) UpdateMapping(ctx context.Context, id string, originalColumns []string, mapped map[string]string, unavailable []string) error {
	origJSON, err := json.Marshal(originalColumns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal original_columns")
	}
	mappedJSON, err := json.Marshal(mapped)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal mapped_columns")
	}
	unavailJSON, err := json.Marshal(unavailable)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal unavailable_fields")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET original_columns = ?, mapped_columns = ?, unavailable_fields = ?, updated_at = ? WHERE id = ?`,
		string(origJSON), string(mappedJSON), string(unavailJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update mapping %s", id)
	}
	return checkRowsAffected(res, "analysis", id)
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id, namespace string, doc map[string]any) error {
	// SQLite has no jsonb merge operator worth relying on across versions;
	// read-modify-write inside a transaction instead.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge metadata")
	}
	defer tx.Rollback()

	var metadataJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM analyses WHERE id = ?`, id).Scan(&metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrapf(err, "sqlite: read metadata %s", id)
	}

	metadata := map[string]any{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	ns, _ := metadata[namespace].(map[string]any)
	if ns == nil {
		ns = map[string]any{}
	}
	for k, v := range doc {
		ns[k] = v
	}
	metadata[namespace] = ns

	merged, err := json.Marshal(metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal merged metadata")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE analyses SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(merged), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: write metadata %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit merge metadata")
}

func (s *SQLiteStore) ReplaceMetadataNamespace(ctx context.Context, id, namespace string, doc map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace metadata")
	}
	defer tx.Rollback()

	var metadataJSON sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM analyses WHERE id = ?`, id).Scan(&metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return eris.Wrapf(err, "sqlite: read metadata %s", id)
	}

	metadata := map[string]any{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	metadata[namespace] = doc

	replaced, err := json.Marshal(metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal replaced metadata")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE analyses SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(replaced), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: write metadata %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace metadata")
}

func (s *SQLiteStore) DeleteAnalysis(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete analysis %s", id)
	}
	return checkRowsAffected(res, "analysis", id)
}

func (s *SQLiteStore) CreateSourceFile(ctx context.Context, f *model.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_files (id, analysis_id, file_name, storage_path, row_count, column_count, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.AnalysisID, f.FileName, f.StoragePath, f.RowCount, f.ColumnCount, f.UploadedAt,
	)
	return eris.Wrap(err, "sqlite: insert source file")
}

func (s *SQLiteStore) ListSourceFiles(ctx context.Context, analysisID string) ([]model.SourceFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, file_name, storage_path, row_count, column_count, uploaded_at
		 FROM source_files WHERE analysis_id = ? ORDER BY file_name`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list source files")
	}
	defer rows.Close()

	var files []model.SourceFile
	for rows.Next() {
		var f model.SourceFile
		if err := rows.Scan(&f.ID, &f.AnalysisID, &f.FileName, &f.StoragePath, &f.RowCount, &f.ColumnCount, &f.UploadedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source file")
		}
		files = append(files, f)
	}
	return files, eris.Wrap(rows.Err(), "sqlite: list source files iterate")
}

func (s *SQLiteStore) InsertStockEntries(ctx context.Context, entries []model.StockEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert entries")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stock_entries (analysis_id, tenant_id, sku, name, quantity, unit_cost, total_value,
		                            location, category, supplier, last_movement, days_since_movement, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert entry")
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		var attrs any
		if len(e.Attributes) > 0 {
			attrsJSON, err := json.Marshal(e.Attributes)
			if err != nil {
				return 0, eris.Wrap(err, "sqlite: marshal attributes")
			}
			attrs = string(attrsJSON)
		}
		var lastMovement any
		if e.LastMovement != nil {
			lastMovement = e.LastMovement.Format(model.DateLayout)
		}
		if _, err := stmt.ExecContext(ctx,
			e.AnalysisID, e.TenantID, e.SKU, nullString(e.Name), e.Quantity, e.UnitCost, e.TotalValue,
			nullString(e.Location), nullString(e.Category), nullString(e.Supplier),
			lastMovement, e.DaysSinceMovement, attrs,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert stock entry")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert entries")
	}
	return int64(len(entries)), nil
}

func (s *SQLiteStore) ListStockEntriesPage(ctx context.Context, analysisID string, afterID int64, limit int) ([]model.StockEntry, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, tenant_id, sku, COALESCE(name, ''), quantity, unit_cost, total_value,
		        COALESCE(location, ''), COALESCE(category, ''), COALESCE(supplier, ''),
		        last_movement, days_since_movement, attributes
		 FROM stock_entries
		 WHERE analysis_id = ? AND id > ?
		 ORDER BY id LIMIT ?`,
		analysisID, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stock entries")
	}
	defer rows.Close()

	var entries []model.StockEntry
	for rows.Next() {
		var e model.StockEntry
		var lastMovement, attrsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.AnalysisID, &e.TenantID, &e.SKU, &e.Name, &e.Quantity, &e.UnitCost, &e.TotalValue,
			&e.Location, &e.Category, &e.Supplier, &lastMovement, &e.DaysSinceMovement, &attrsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stock entry")
		}
		if lastMovement.Valid && lastMovement.String != "" {
			t, err := time.Parse(model.DateLayout, lastMovement.String)
			if err != nil {
				return nil, eris.Wrap(err, "sqlite: parse last_movement")
			}
			e.LastMovement = &t
		}
		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &e.Attributes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list stock entries iterate")
}

func (s *SQLiteStore) CountStockEntries(ctx context.Context, analysisID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM stock_entries WHERE analysis_id = ?`, analysisID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count stock entries")
}

func (s *SQLiteStore) DeleteStockEntries(ctx context.Context, analysisID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_entries WHERE analysis_id = ?`, analysisID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete stock entries")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete stock entries rows affected")
}

func (s *SQLiteStore) InsertRecommendations(ctx context.Context, recs []model.Recommendation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert recommendations")
	}
	defer tx.Rollback()

	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = model.RecStatusPending
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}

		itemsJSON, err := json.Marshal(r.ActionItems)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal action_items")
		}
		skusJSON, err := json.Marshal(r.AffectedSKUs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal affected_skus")
		}
		impactJSON, err := json.Marshal(r.EstimatedImpact)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal estimated_impact")
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recommendations (id, analysis_id, tenant_id, rec_type, pillar, level, priority, title, description,
			                              action_items, affected_skus, estimated_impact, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AnalysisID, r.TenantID, r.Type, r.Pillar, r.Level, r.Priority, r.Title, r.Description,
			string(itemsJSON), string(skusJSON), string(impactJSON), string(r.Status), r.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert recommendation")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert recommendations")
}

func (s *SQLiteStore) ListRecommendations(ctx context.Context, analysisID string) ([]model.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, tenant_id, rec_type, COALESCE(pillar, ''), COALESCE(level, ''), COALESCE(priority, ''),
		        title, COALESCE(description, ''), action_items, affected_skus, estimated_impact, status, created_at
		 FROM recommendations WHERE analysis_id = ? ORDER BY created_at, id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recommendations")
	}
	defer rows.Close()

	var recs []model.Recommendation
	for rows.Next() {
		var r model.Recommendation
		var itemsJSON, skusJSON, impactJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.TenantID, &r.Type, &r.Pillar, &r.Level, &r.Priority,
			&r.Title, &r.Description, &itemsJSON, &skusJSON, &impactJSON, &r.Status, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recommendation")
		}
		if itemsJSON.Valid && itemsJSON.String != "" {
			if err := json.Unmarshal([]byte(itemsJSON.String), &r.ActionItems); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal action_items")
			}
		}
		if skusJSON.Valid && skusJSON.String != "" {
			if err := json.Unmarshal([]byte(skusJSON.String), &r.AffectedSKUs); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal affected_skus")
			}
		}
		if impactJSON.Valid && impactJSON.String != "" {
			if err := json.Unmarshal([]byte(impactJSON.String), &r.EstimatedImpact); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal estimated_impact")
			}
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list recommendations iterate")
}

func (s *SQLiteStore) DeleteRecommendations(ctx context.Context, analysisID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recommendations WHERE analysis_id = ?`, analysisID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete recommendations")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: delete recommendations rows affected")
}
