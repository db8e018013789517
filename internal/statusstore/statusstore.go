// Package statusstore persists crawl and upload bookkeeping in Postgres:
// visited-URL marks, scraped documents, per-URL status rows and external
// link records, all keyed by task and aged out on a retention window.
package statusstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/logging"
)

// DefaultRetention is how long bookkeeping rows are kept.
const DefaultRetention = 8 * time.Hour

// querier is the subset of pgxpool.Pool the store needs. Tests substitute a
// fake.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds connection settings.
type Config struct {
	URL      string `koanf:"url"`
	PoolSize int32  `koanf:"pool_size"`
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// ScrapedDoc is one stored page or file body.
type ScrapedDoc struct {
	URL      string
	Content  string
	Metadata map[string]interface{}
	TaskID   string
}

// ScrapedStatus is one per-URL outcome row.
type ScrapedStatus struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PDFFile records a PDF discovered during a crawl.
type PDFFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// ExternalLink records an off-site link found on a crawled page.
type ExternalLink struct {
	ParentURL      string `json:"parent_url"`
	ExternalURL    string `json:"external_url"`
	ExternalDomain string `json:"external_domain"`
}

// PDFStatus is one per-PDF processing outcome.
type PDFStatus struct {
	URL    string `json:"url"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Pages  int    `json:"pages"`
	Reason string `json:"reason,omitempty"`
}

// Counts summarizes terminal statuses for a task.
type Counts struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Store is the Postgres-backed status store.
type Store struct {
	db     querier
	logger *logging.Logger
}

// New creates a Store on an open pool.
func New(db *pgxpool.Pool, logger *logging.Logger) *Store {
	return newStore(db, logger)
}

func newStore(db querier, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{db: db, logger: logger}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS visited_urls (
		url TEXT,
		task_id TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (url, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scraped_docs (
		url TEXT,
		content TEXT,
		metadata JSONB,
		task_id TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (url, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scraped_status (
		task_id TEXT,
		url TEXT,
		status TEXT,
		error TEXT,
		reason TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (task_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS website_pdf_files (
		task_id TEXT,
		url TEXT,
		filename TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (task_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS external_links (
		task_id TEXT,
		parent_url TEXT,
		external_url TEXT,
		external_domain TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (task_id, parent_url, external_url)
	)`,
	`CREATE TABLE IF NOT EXISTS website_pdf_status (
		task_id TEXT,
		url TEXT,
		status TEXT,
		error TEXT,
		pages INT,
		reason TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (task_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS upload_files_docs (
		filename TEXT,
		content TEXT,
		metadata JSONB,
		task_id TEXT,
		created_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (filename, task_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_visited_urls_created_at ON visited_urls (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_scraped_docs_created_at ON scraped_docs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_scraped_status_created_at ON scraped_status (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_website_pdf_files_created_at ON website_pdf_files (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_external_links_created_at ON external_links (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_website_pdf_status_created_at ON website_pdf_status (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_files_docs_created_at ON upload_files_docs (created_at)`,
}

// EnsureSchema creates all tables and their created_at indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// IsVisited reports whether a URL was already marked for a task.
func (s *Store) IsVisited(ctx context.Context, url, taskID string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM visited_urls WHERE url = $1 AND task_id = $2`, url, taskID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking visited url: %w", err)
	}
	return true, nil
}

// MarkVisited records a URL as visited for a task. Duplicate marks are
// silently ignored.
func (s *Store) MarkVisited(ctx context.Context, url, taskID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO visited_urls (url, task_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		url, taskID)
	if err != nil {
		return fmt.Errorf("marking url visited: %w", err)
	}
	return nil
}

// StoreScrapedDoc persists one scraped page body. NUL bytes are stripped
// because Postgres TEXT rejects them.
func (s *Store) StoreScrapedDoc(ctx context.Context, doc ScrapedDoc) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encoding document metadata: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO scraped_docs (url, content, metadata, task_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (url, task_id) DO NOTHING`,
		doc.URL, strings.ReplaceAll(doc.Content, "\x00", ""), meta, doc.TaskID)
	if err != nil {
		return fmt.Errorf("storing scraped document: %w", err)
	}
	return nil
}

// StoreUploadDoc persists one uploaded file body, keyed by filename.
func (s *Store) StoreUploadDoc(ctx context.Context, doc ScrapedDoc) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encoding document metadata: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO upload_files_docs (filename, content, metadata, task_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (filename, task_id) DO NOTHING`,
		doc.URL, strings.ReplaceAll(doc.Content, "\x00", ""), meta, doc.TaskID)
	if err != nil {
		return fmt.Errorf("storing upload document: %w", err)
	}
	return nil
}

// AddScrapedStatus upserts the outcome row for one URL within a task. Later
// writes for the same URL overwrite earlier ones.
func (s *Store) AddScrapedStatus(ctx context.Context, taskID string, st ScrapedStatus) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO scraped_status (task_id, url, status, error, reason)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 ON CONFLICT (task_id, url) DO UPDATE
		 SET status = EXCLUDED.status, error = EXCLUDED.error, reason = EXCLUDED.reason`,
		taskID, st.URL, st.Status, st.Error, st.Reason)
	if err != nil {
		return fmt.Errorf("recording scraped status: %w", err)
	}
	return nil
}

// AddPDFFile records a PDF discovered during a crawl.
func (s *Store) AddPDFFile(ctx context.Context, taskID string, f PDFFile) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO website_pdf_files (task_id, url, filename)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (task_id, url) DO NOTHING`,
		taskID, f.URL, f.Filename)
	if err != nil {
		return fmt.Errorf("recording pdf file: %w", err)
	}
	return nil
}

// AddExternalLink records an off-site link found on a crawled page.
func (s *Store) AddExternalLink(ctx context.Context, taskID string, l ExternalLink) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO external_links (task_id, parent_url, external_url, external_domain)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id, parent_url, external_url) DO NOTHING`,
		taskID, l.ParentURL, l.ExternalURL, l.ExternalDomain)
	if err != nil {
		return fmt.Errorf("recording external link: %w", err)
	}
	return nil
}

// AddPDFStatus upserts the processing outcome for one PDF within a task.
func (s *Store) AddPDFStatus(ctx context.Context, taskID string, st PDFStatus) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO website_pdf_status (task_id, url, status, error, pages, reason)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''))
		 ON CONFLICT (task_id, url) DO UPDATE
		 SET status = EXCLUDED.status, error = EXCLUDED.error,
		     pages = EXCLUDED.pages, reason = EXCLUDED.reason`,
		taskID, st.URL, st.Status, st.Error, st.Pages, st.Reason)
	if err != nil {
		return fmt.Errorf("recording pdf status: %w", err)
	}
	return nil
}

// ScrapedStatuses returns all per-URL outcome rows for a task.
func (s *Store) ScrapedStatuses(ctx context.Context, taskID string) ([]ScrapedStatus, error) {
	rows, err := s.db.Query(ctx,
		`SELECT url, status, COALESCE(error, ''), COALESCE(reason, '')
		 FROM scraped_status WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing scraped statuses: %w", err)
	}
	defer rows.Close()

	var out []ScrapedStatus
	for rows.Next() {
		var st ScrapedStatus
		if err := rows.Scan(&st.URL, &st.Status, &st.Error, &st.Reason); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PDFFiles returns all PDFs discovered for a task.
func (s *Store) PDFFiles(ctx context.Context, taskID string) ([]PDFFile, error) {
	rows, err := s.db.Query(ctx,
		`SELECT url, filename FROM website_pdf_files WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing pdf files: %w", err)
	}
	defer rows.Close()

	var out []PDFFile
	for rows.Next() {
		var f PDFFile
		if err := rows.Scan(&f.URL, &f.Filename); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ExternalLinks returns all off-site links recorded for a task.
func (s *Store) ExternalLinks(ctx context.Context, taskID string) ([]ExternalLink, error) {
	rows, err := s.db.Query(ctx,
		`SELECT parent_url, external_url, external_domain
		 FROM external_links WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing external links: %w", err)
	}
	defer rows.Close()

	var out []ExternalLink
	for rows.Next() {
		var l ExternalLink
		if err := rows.Scan(&l.ParentURL, &l.ExternalURL, &l.ExternalDomain); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PDFStatuses returns all per-PDF outcome rows for a task.
func (s *Store) PDFStatuses(ctx context.Context, taskID string) ([]PDFStatus, error) {
	rows, err := s.db.Query(ctx,
		`SELECT url, status, COALESCE(error, ''), pages, COALESCE(reason, '')
		 FROM website_pdf_status WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing pdf statuses: %w", err)
	}
	defer rows.Close()

	var out []PDFStatus
	for rows.Next() {
		var st PDFStatus
		if err := rows.Scan(&st.URL, &st.Status, &st.Error, &st.Pages, &st.Reason); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UploadedFailedCounts tallies terminal scraped statuses for a task.
func (s *Store) UploadedFailedCounts(ctx context.Context, taskID string) (Counts, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, COUNT(*) FROM scraped_status
		 WHERE status IN ('uploaded', 'failed') AND task_id = $1
		 GROUP BY status`, taskID)
	if err != nil {
		return Counts{}, fmt.Errorf("counting statuses: %w", err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch status {
		case "uploaded":
			counts.Uploaded = n
		case "failed":
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// retentionTables lists every table aged out by DeleteOldData. Table names
// are interpolated into SQL, so the list is fixed at compile time.
var retentionTables = []string{
	"visited_urls",
	"scraped_docs",
	"external_links",
	"website_pdf_status",
	"upload_files_docs",
	"scraped_status",
	"website_pdf_files",
}

// DeleteOldData removes rows older than age from every bookkeeping table and
// reclaims space with VACUUM ANALYZE. Each table is processed independently;
// a failure on one table is logged and the sweep continues.
func (s *Store) DeleteOldData(ctx context.Context, age time.Duration) {
	if age <= 0 {
		age = DefaultRetention
	}

	for _, table := range retentionTables {
		tag, err := s.db.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE created_at < NOW() - make_interval(secs => $1)`, table),
			age.Seconds())
		if err != nil {
			s.logger.Warn(ctx, "cleanup failed for table",
				zap.String("table", table), zap.Error(err))
			continue
		}
		if deleted := tag.RowsAffected(); deleted > 0 {
			s.logger.Info(ctx, "deleted old records",
				zap.String("table", table), zap.Int64("deleted", deleted))
		}

		// VACUUM cannot run inside a transaction, so it goes out on its own.
		if _, err := s.db.Exec(ctx, "VACUUM ANALYZE "+table); err != nil {
			s.logger.Warn(ctx, "vacuum failed for table",
				zap.String("table", table), zap.Error(err))
		}
	}

	s.logger.Info(ctx, "status store cleanup complete", zap.Duration("retention", age))
}
