package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/pkg/logger"
)

// ErrNotFound means the requested row does not exist.
var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(path string) (*Client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite handles one writer at a time; more connections just contend.
	db.SetMaxOpenConns(1)

	c := &Client{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage ready", zap.String("path", path))
	return c, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		status        TEXT NOT NULL,
		failure_stage TEXT NOT NULL DEFAULT '',
		failure_cause TEXT NOT NULL DEFAULT '',
		pages         INTEGER NOT NULL DEFAULT 0,
		chunks        INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		idx         INTEGER NOT NULL,
		page        INTEGER NOT NULL DEFAULT 0,
		type        TEXT NOT NULL DEFAULT 'text',
		text        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, idx);

	CREATE TABLE IF NOT EXISTS emission_reports (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL DEFAULT '',
		report      TEXT NOT NULL,
		scope1      REAL NOT NULL DEFAULT 0,
		scope2      REAL NOT NULL DEFAULT 0,
		scope3      REAL NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_document ON emission_reports(document_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id         TEXT PRIMARY KEY,
		query      TEXT NOT NULL,
		answer     TEXT NOT NULL,
		sources    TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_created ON query_history(created_at);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (c *Client) SaveDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, status, failure_stage, failure_cause, pages, chunks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			failure_stage = excluded.failure_stage,
			failure_cause = excluded.failure_cause,
			pages = excluded.pages,
			chunks = excluded.chunks,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Name, doc.Status, doc.FailureStage, doc.FailureCause,
		doc.Pages, doc.Chunks, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

func (c *Client) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, failureStage, failureCause string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, failure_stage = ?, failure_cause = ?, updated_at = ?
		WHERE id = ?`,
		status, failureStage, failureCause, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, status, failure_stage, failure_cause, pages, chunks, created_at, updated_at
		FROM documents WHERE id = ?`, id)

	var doc models.Document
	err := row.Scan(&doc.ID, &doc.Name, &doc.Status, &doc.FailureStage, &doc.FailureCause,
		&doc.Pages, &doc.Chunks, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, status, failure_stage, failure_cause, pages, chunks, created_at, updated_at
		FROM documents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Status, &doc.FailureStage, &doc.FailureCause,
			&doc.Pages, &doc.Chunks, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SaveChunks replaces the stored chunks for a document in one
// transaction, keeping the sqlite copy in step with the vector store.
func (c *Client) SaveChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear chunks for %s: %w", documentID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, idx, page, type, text)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx, ch.ID, documentID, ch.Idx, ch.Page, ch.Type, ch.Text); err != nil {
			return fmt.Errorf("insert chunk %s: %w", ch.ID, err)
		}
	}
	return tx.Commit()
}

// GetChunkTexts returns a document's chunk texts in chunk order.
func (c *Client) GetChunkTexts(ctx context.Context, documentID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT text FROM chunks WHERE document_id = ? ORDER BY idx`, documentID)
	if err != nil {
		return nil, fmt.Errorf("get chunks for %s: %w", documentID, err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan chunk text: %w", err)
		}
		texts = append(texts, text)
	}
	return texts, rows.Err()
}

func (c *Client) SaveReport(ctx context.Context, report *models.EmissionReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO emission_reports (id, document_id, report, scope1, scope2, scope3, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.DocumentID, string(report.Report),
		report.Scope1, report.Scope2, report.Scope3, report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", report.ID, err)
	}
	return nil
}

func (c *Client) GetReport(ctx context.Context, id string) (*models.EmissionReport, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, document_id, report, scope1, scope2, scope3, created_at
		FROM emission_reports WHERE id = ?`, id)

	var (
		report models.EmissionReport
		raw    string
	)
	err := row.Scan(&report.ID, &report.DocumentID, &raw,
		&report.Scope1, &report.Scope2, &report.Scope3, &report.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	report.Report = []byte(raw)
	return &report, nil
}

func (c *Client) SaveQuery(ctx context.Context, record *models.QueryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	sources := string(record.Sources)
	if sources == "" {
		sources = "[]"
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO query_history (id, query, answer, sources, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.Query, record.Answer, sources, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save query %s: %w", record.ID, err)
	}
	return nil
}

func (c *Client) ListQueries(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query, answer, sources, created_at
		FROM query_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var (
			record  models.QueryRecord
			sources string
		)
		if err := rows.Scan(&record.ID, &record.Query, &record.Answer, &sources, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		record.Sources = []byte(sources)
		records = append(records, record)
	}
	return records, rows.Err()
}
