// Package catalog keeps a queryable history of published runs in SQLite or
// PostgreSQL.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/withObsrvr/frigate-reel/internal/logging"
	"github.com/withObsrvr/frigate-reel/internal/storage"
)

// Config selects the catalog database. An empty DSN disables the catalog.
type Config struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, URL for postgres
}

// Validate checks the driver name.
func (c Config) Validate() error {
	switch c.Driver {
	case "", "sqlite", "postgres":
		return nil
	}
	return fmt.Errorf("unknown catalog driver %q (want sqlite or postgres)", c.Driver)
}

// createdLayout has fixed width so created_at sorts as text.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reel_runs (
		run_id           TEXT PRIMARY KEY,
		mode             TEXT NOT NULL,
		layout           TEXT NOT NULL,
		cameras          TEXT NOT NULL,
		range_start      TEXT NOT NULL,
		range_end        TEXT NOT NULL,
		positions        BIGINT NOT NULL,
		dropped          BIGINT NOT NULL,
		manifest         TEXT NOT NULL,
		producer_version TEXT NOT NULL,
		producer_git_sha TEXT NOT NULL,
		created_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reel_outputs (
		run_id    TEXT NOT NULL REFERENCES reel_runs (run_id),
		output    TEXT NOT NULL,
		uri       TEXT NOT NULL,
		checksum  TEXT NOT NULL,
		byte_size BIGINT NOT NULL,
		units     BIGINT NOT NULL,
		PRIMARY KEY (run_id, output)
	)`,
	`CREATE INDEX IF NOT EXISTS reel_runs_created ON reel_runs (created_at)`,
}

// Run is one catalog row with its outputs.
type Run struct {
	RunID     string
	Mode      string
	Layout    string
	Cameras   []string
	Start     time.Time
	End       time.Time
	Positions int64
	Dropped   int64
	Manifest  string
	CreatedAt time.Time
	Outputs   []Output
}

// Output is one published video of a run.
type Output struct {
	Name     string
	URI      string
	Checksum string
	ByteSize int64
	Units    int64
}

// Catalog writes and reads run history.
type Catalog struct {
	db       *sql.DB
	postgres bool
	log      *slog.Logger
}

// Open connects to the catalog and creates its tables.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("catalog dsn is empty")
	}

	driver := "sqlite"
	postgres := cfg.Driver == "postgres"
	if postgres {
		driver = "pgx"
	} else if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if postgres {
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	c := &Catalog{db: db, postgres: postgres, log: logging.Component("catalog")}
	if err := c.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	c.log.Info("catalog ready", "driver", driver)
	return c, nil
}

func (c *Catalog) init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog: %w", err)
	}
	if !c.postgres {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := c.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("execute %s: %w", pragma, err)
			}
		}
	}
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (c *Catalog) rebind(query string) string {
	if !c.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordRun stores a published run and its outputs in one transaction.
// Recording the same run twice replaces the earlier rows.
func (c *Catalog) RecordRun(ctx context.Context, manifestURI string, m *storage.Manifest) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM reel_outputs WHERE run_id = ?`), m.RunID); err != nil {
		return fmt.Errorf("clear outputs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM reel_runs WHERE run_id = ?`), m.RunID); err != nil {
		return fmt.Errorf("clear run: %w", err)
	}

	_, err = tx.ExecContext(ctx, c.rebind(`
		INSERT INTO reel_runs (
			run_id, mode, layout, cameras, range_start, range_end, positions,
			dropped, manifest, producer_version, producer_git_sha, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.RunID,
		m.Mode,
		m.Layout,
		strings.Join(m.Cameras, ","),
		m.Range.Start.UTC().Format(time.RFC3339),
		m.Range.End.UTC().Format(time.RFC3339),
		m.Positions,
		int64(len(m.Dropped)),
		manifestURI,
		m.Producer.Version,
		m.Producer.GitSHA,
		m.CreatedAt.UTC().Format(createdLayout),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for name, o := range m.Outputs {
		_, err := tx.ExecContext(ctx, c.rebind(`
			INSERT INTO reel_outputs (run_id, output, uri, checksum, byte_size, units)
			VALUES (?, ?, ?, ?, ?, ?)`),
			m.RunID, name, o.URI, o.Checksum, o.ByteSize, o.Units,
		)
		if err != nil {
			return fmt.Errorf("insert output %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.log.Debug("recorded run", "run_id", m.RunID, "outputs", len(m.Outputs))
	return nil
}

// Recent returns up to limit runs, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, c.rebind(`
		SELECT run_id, mode, layout, cameras, range_start, range_end,
		       positions, dropped, manifest, created_at
		FROM reel_runs
		ORDER BY created_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                       Run
			cameras, start, end, at string
		)
		if err := rows.Scan(&r.RunID, &r.Mode, &r.Layout, &cameras, &start, &end,
			&r.Positions, &r.Dropped, &r.Manifest, &at); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if cameras != "" {
			r.Cameras = strings.Split(cameras, ",")
		}
		r.Start, _ = time.Parse(time.RFC3339, start)
		r.End, _ = time.Parse(time.RFC3339, end)
		r.CreatedAt, _ = time.Parse(createdLayout, at)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	for i := range runs {
		outs, err := c.outputs(ctx, runs[i].RunID)
		if err != nil {
			return nil, err
		}
		runs[i].Outputs = outs
	}
	return runs, nil
}

func (c *Catalog) outputs(ctx context.Context, runID string) ([]Output, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(`
		SELECT output, uri, checksum, byte_size, units
		FROM reel_outputs
		WHERE run_id = ?
		ORDER BY output`), runID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	var outs []Output
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.Name, &o.URI, &o.Checksum, &o.ByteSize, &o.Units); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outs = append(outs, o)
	}
	return outs, rows.Err()
}
