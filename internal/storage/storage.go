// Package storage mirrors day archives into a relational database so that
// articles can be searched across dates.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"dawnarchive/internal/config"
	"dawnarchive/pkg/types"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// SQLWriter persists archives into archive tables on Postgres or SQLite.
type SQLWriter struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// NewSQLWriter opens the database described by cfg and applies the schema
// when auto-migration is enabled.
func NewSQLWriter(ctx context.Context, cfg config.SQLConfig) (*SQLWriter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sql config missing driver or dsn")
	}
	driver := strings.ToLower(cfg.Driver)
	if driver != driverPostgres && driver != driverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(pingCtx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if driver == driverSQLite {
		// A single connection serialises writers on the file.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	writer := &SQLWriter{db: db, driver: driver, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := writer.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return writer, nil
}

// SaveArchive replaces every row of archive's date.
func (s *SQLWriter) SaveArchive(ctx context.Context, archive *types.DayArchive) error {
	if s == nil || s.db == nil || archive == nil {
		return nil
	}
	err := s.replaceArchive(ctx, archive)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.replaceArchive(ctx, archive)
	}
	if err != nil {
		return fmt.Errorf("save archive %s: %w", archive.Date, err)
	}
	return nil
}

func (s *SQLWriter) replaceArchive(ctx context.Context, archive *types.DayArchive) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM archive_articles WHERE archive_date = ?`), archive.Date); err != nil {
		return err
	}
	upsert := s.rebind(`
        INSERT INTO archives (archive_date, cached_at, article_count)
        VALUES (?, ?, ?)
        ON CONFLICT (archive_date) DO UPDATE SET
            cached_at = EXCLUDED.cached_at,
            article_count = EXCLUDED.article_count`)
	if _, err := tx.ExecContext(ctx, upsert,
		archive.Date,
		archive.CachedAt.UTC().Format(time.RFC3339Nano),
		archive.ArticleCount(),
	); err != nil {
		return err
	}

	insert := s.rebind(`
        INSERT INTO archive_articles (archive_date, section, position, title, url, summary, image_url)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for section, articles := range archive.Sections {
		for i, a := range articles {
			if _, err := stmt.ExecContext(ctx, archive.Date, section, i, a.Title, a.URL, a.Summary, a.ImageURL); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// DeleteBefore removes archives dated before cutoff and reports how many
// archives were dropped.
func (s *SQLWriter) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM archive_articles WHERE archive_date < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("delete articles: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM archives WHERE archive_date < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete archives: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteAll removes every mirrored archive.
func (s *SQLWriter) DeleteAll(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, stmt := range []string{`DELETE FROM archive_articles`, `DELETE FROM archives`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear mirror: %w", err)
		}
	}
	return nil
}

// Close closes the underlying DB connection.
func (s *SQLWriter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLWriter) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if driver != driverPostgres {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(driverPostgres, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *SQLWriter) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archives (
		    archive_date TEXT PRIMARY KEY,
		    cached_at TEXT NOT NULL,
		    article_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS archive_articles (
		    archive_date TEXT NOT NULL,
		    section TEXT NOT NULL,
		    position INTEGER NOT NULL,
		    title TEXT NOT NULL,
		    url TEXT NOT NULL,
		    summary TEXT NOT NULL DEFAULT '',
		    image_url TEXT NOT NULL DEFAULT '',
		    PRIMARY KEY (archive_date, section, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_articles_date ON archive_articles (archive_date DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}
