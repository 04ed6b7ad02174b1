package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/db"
	"github.com/stockintel/analysis-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analyses (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	name               TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	original_columns   JSONB,
	mapped_columns     JSONB,
	unavailable_fields JSONB,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
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
	uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_source_files_analysis ON source_files(analysis_id);

CREATE TABLE IF NOT EXISTS stock_entries (
	id                  BIGSERIAL PRIMARY KEY,
	analysis_id         TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	tenant_id           TEXT NOT NULL,
	sku                 TEXT NOT NULL,
	name                TEXT,
	quantity            DOUBLE PRECISION,
	unit_cost           DOUBLE PRECISION,
	total_value         DOUBLE PRECISION,
	location            TEXT,
	category            TEXT,
	supplier            TEXT,
	last_movement       DATE,
	days_since_movement INTEGER,
	attributes          JSONB
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
	action_items     JSONB,
	affected_skus    JSONB,
	estimated_impact JSONB,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recommendations_analysis ON recommendations(analysis_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
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
		return eris.Wrap(err, "postgres: marshal metadata")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analyses (id, tenant_id, name, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, a.Name, string(a.Status), metadataJSON, now, now,
	)
	return eris.Wrap(err, "postgres: insert analysis")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.Analysis, error) {
	var a model.Analysis
	var origJSON, mappedJSON, unavailJSON, metadataJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, status, original_columns, mapped_columns, unavailable_fields, metadata, created_at, updated_at
		 FROM analyses WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.TenantID, &a.Name, &a.Status, &origJSON, &mappedJSON, &unavailJSON, &metadataJSON, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get analysis %s", id)
	}

	if err := unmarshalAnalysisDocs(&a, origJSON, mappedJSON, unavailJSON, metadataJSON); err != nil {
		return nil, err
	}
	return &a, nil
}

func unmarshalAnalysisDocs(a *model.Analysis, origJSON, mappedJSON, unavailJSON, metadataJSON []byte) error {
	if len(origJSON) > 0 {
		if err := json.Unmarshal(origJSON, &a.OriginalColumns); err != nil {
			return eris.Wrap(err, "postgres: unmarshal original_columns")
		}
	}
	if len(mappedJSON) > 0 {
		if err := json.Unmarshal(mappedJSON, &a.MappedColumns); err != nil {
			return eris.Wrap(err, "postgres: unmarshal mapped_columns")
		}
	}
	if len(unavailJSON) > 0 {
		if err := json.Unmarshal(unavailJSON, &a.UnavailableFields); err != nil {
			return eris.Wrap(err, "postgres: unmarshal unavailable_fields")
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
			return eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	return nil
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.Analysis, error) {
	query := `SELECT id, tenant_id, name, status, original_columns, mapped_columns, unavailable_fields, metadata, created_at, updated_at
	          FROM analyses WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var analyses []model.Analysis
	for rows.Next() {
		var a model.Analysis
		var origJSON, mappedJSON, unavailJSON, metadataJSON []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Status, &origJSON, &mappedJSON, &unavailJSON, &metadataJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		if err := unmarshalAnalysisDocs(&a, origJSON, mappedJSON, unavailJSON, metadataJSON); err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to model.AnalysisStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition analysis %s", id)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing analysis from a concurrent stage holding a
		// different status.
		if _, getErr := s.GetAnalysis(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMapping(ctx context.Context, id string, originalColumns []string, mapped map[string]string, unavailable []string) error {
	origJSON, err := json.Marshal(originalColumns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal original_columns")
	}
	mappedJSON, err := json.Marshal(mapped)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal mapped_columns")
	}
	unavailJSON, err := json.Marshal(unavailable)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal unavailable_fields")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET original_columns = $1, mapped_columns = $2, unavailable_fields = $3, updated_at = $4 WHERE id = $5`,
		origJSON, mappedJSON, unavailJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update mapping %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, id, namespace string, doc map[string]any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata doc")
	}

	// jsonb_set replaces only the namespace key; merging the new doc over the
	// existing namespace content preserves sibling keys inside it too.
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses
		 SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$1],
		                          COALESCE(metadata->$1, '{}'::jsonb) || $2::jsonb, true),
		     updated_at = $3
		 WHERE id = $4`,
		namespace, docJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge metadata %s.%s", id, namespace)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ReplaceMetadataNamespace(ctx context.Context, id, namespace string, doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata doc")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses
		 SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$1], $2::jsonb, true),
		     updated_at = $3
		 WHERE id = $4`,
		namespace, docJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: replace metadata %s.%s", id, namespace)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAnalysis(ctx context.Context, id string) error {
	// Dependent rows cascade via foreign keys.
	tag, err := s.pool.Exec(ctx, `DELETE FROM analyses WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete analysis %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateSourceFile(ctx context.Context, f *model.SourceFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_files (id, analysis_id, file_name, storage_path, row_count, column_count, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.AnalysisID, f.FileName, f.StoragePath, f.RowCount, f.ColumnCount, f.UploadedAt,
	)
	return eris.Wrap(err, "postgres: insert source file")
}

func (s *PostgresStore) ListSourceFiles(ctx context.Context, analysisID string) ([]model.SourceFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, file_name, storage_path, row_count, column_count, uploaded_at
		 FROM source_files WHERE analysis_id = $1 ORDER BY file_name`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list source files")
	}
	defer rows.Close()

	var files []model.SourceFile
	for rows.Next() {
		var f model.SourceFile
		if err := rows.Scan(&f.ID, &f.AnalysisID, &f.FileName, &f.StoragePath, &f.RowCount, &f.ColumnCount, &f.UploadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source file")
		}
		files = append(files, f)
	}
	return files, eris.Wrap(rows.Err(), "postgres: list source files iterate")
}

var stockEntryColumns = []string{
	"analysis_id", "tenant_id", "sku", "name", "quantity", "unit_cost", "total_value",
	"location", "category", "supplier", "last_movement", "days_since_movement", "attributes",
}

func (s *PostgresStore) InsertStockEntries(ctx context.Context, entries []model.StockEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		var attrsJSON []byte
		if len(e.Attributes) > 0 {
			var err error
			attrsJSON, err = json.Marshal(e.Attributes)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal attributes")
			}
		}
		rows = append(rows, []any{
			e.AnalysisID, e.TenantID, e.SKU, nullString(e.Name), e.Quantity, e.UnitCost, e.TotalValue,
			nullString(e.Location), nullString(e.Category), nullString(e.Supplier),
			e.LastMovement, e.DaysSinceMovement, attrsJSON,
		})
	}

	return db.CopyFrom(ctx, s.pool, "stock_entries", stockEntryColumns, rows)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) ListStockEntriesPage(ctx context.Context, analysisID string, afterID int64, limit int) ([]model.StockEntry, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, tenant_id, sku, COALESCE(name, ''), quantity, unit_cost, total_value,
		        COALESCE(location, ''), COALESCE(category, ''), COALESCE(supplier, ''),
		        last_movement, days_since_movement, attributes
		 FROM stock_entries
		 WHERE analysis_id = $1 AND id > $2
		 ORDER BY id LIMIT $3`,
		analysisID, afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stock entries")
	}
	defer rows.Close()

	var entries []model.StockEntry
	for rows.Next() {
		var e model.StockEntry
		var attrsJSON []byte
		if err := rows.Scan(&e.ID, &e.AnalysisID, &e.TenantID, &e.SKU, &e.Name, &e.Quantity, &e.UnitCost, &e.TotalValue,
			&e.Location, &e.Category, &e.Supplier, &e.LastMovement, &e.DaysSinceMovement, &attrsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stock entry")
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal attributes")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list stock entries iterate")
}

func (s *PostgresStore) CountStockEntries(ctx context.Context, analysisID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM stock_entries WHERE analysis_id = $1`, analysisID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count stock entries")
}

func (s *PostgresStore) DeleteStockEntries(ctx context.Context, analysisID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stock_entries WHERE analysis_id = $1`, analysisID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete stock entries")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertRecommendations(ctx context.Context, recs []model.Recommendation) error {
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
			return eris.Wrap(err, "postgres: marshal action_items")
		}
		skusJSON, err := json.Marshal(r.AffectedSKUs)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal affected_skus")
		}
		impactJSON, err := json.Marshal(r.EstimatedImpact)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal estimated_impact")
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO recommendations (id, analysis_id, tenant_id, rec_type, pillar, level, priority, title, description,
			                              action_items, affected_skus, estimated_impact, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.AnalysisID, r.TenantID, r.Type, r.Pillar, r.Level, r.Priority, r.Title, r.Description,
			itemsJSON, skusJSON, impactJSON, string(r.Status), r.CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert recommendation")
		}
	}
	return nil
}

func (s *PostgresStore) ListRecommendations(ctx context.Context, analysisID string) ([]model.Recommendation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, tenant_id, rec_type, COALESCE(pillar, ''), COALESCE(level, ''), COALESCE(priority, ''),
		        title, COALESCE(description, ''), action_items, affected_skus, estimated_impact, status, created_at
		 FROM recommendations WHERE analysis_id = $1 ORDER BY created_at, id`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recommendations")
	}
	defer rows.Close()

	var recs []model.Recommendation
	for rows.Next() {
		var r model.Recommendation
		var itemsJSON, skusJSON, impactJSON []byte
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.TenantID, &r.Type, &r.Pillar, &r.Level, &r.Priority,
			&r.Title, &r.Description, &itemsJSON, &skusJSON, &impactJSON, &r.Status, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan recommendation")
		}
		if len(itemsJSON) > 0 {
			if err := json.Unmarshal(itemsJSON, &r.ActionItems); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal action_items")
			}
		}
		if len(skusJSON) > 0 {
			if err := json.Unmarshal(skusJSON, &r.AffectedSKUs); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal affected_skus")
			}
		}
		if len(impactJSON) > 0 {
			if err := json.Unmarshal(impactJSON, &r.EstimatedImpact); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal estimated_impact")
			}
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list recommendations iterate")
}

func (s *PostgresStore) DeleteRecommendations(ctx context.Context, analysisID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recommendations WHERE analysis_id = $1`, analysisID)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete recommendations")
	}
	return tag.RowsAffected(), nil
}
