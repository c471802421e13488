package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/astrace/internal/model"
)

const (
	// FileName is the name of the database file inside the data directory.
	FileName = "astrace.db"

	// timestampLayout has a fixed width so stored timestamps sort as text.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

// ResultDB provides SQLite-based storage for aggregation results.
type ResultDB struct {
	db     *sql.DB
	dbPath string
}

// Options configures ResultDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a ResultDB in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*ResultDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw refuses to create a missing file.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	rdb := &ResultDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := rdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return rdb, nil
}

// Path returns the database file path.
func (rdb *ResultDB) Path() string {
	return rdb.dbPath
}

// Close closes the database connection.
func (rdb *ResultDB) Close() error {
	return rdb.db.Close()
}

func (rdb *ResultDB) createTables() error {
	schema := `
	-- One row per engine run
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		destination TEXT NOT NULL,
		destination_address TEXT,
		source_address TEXT,
		public_address TEXT,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		path_count INTEGER DEFAULT 0,
		diagnostics_json TEXT,
		result_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_destination ON runs(destination);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- One row per final path of a run
	CREATE TABLE IF NOT EXISTS paths (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_ref INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		flags INTEGER NOT NULL,
		hops TEXT NOT NULL,
		completed INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_paths_run ON paths(run_ref);
	CREATE INDEX IF NOT EXISTS idx_paths_fingerprint ON paths(fingerprint);
	`

	_, err := rdb.db.ExecContext(context.Background(), schema)
	return err
}

// SaveResult stores r and its final paths. Saving a run ID again replaces
// the stored run. It returns the database ID of the run.
func (rdb *ResultDB) SaveResult(ctx context.Context, r *model.Result) (id int64, err error) {
	resultJSON, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize result: %w", err)
	}
	diagJSON, err := json.Marshal(r.Diagnostics)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize diagnostics: %w", err)
	}

	tx, err := rdb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
	INSERT INTO runs (run_id, destination, destination_address, source_address, public_address,
		status, started_at, finished_at, path_count, diagnostics_json, result_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		status = excluded.status,
		finished_at = excluded.finished_at,
		path_count = excluded.path_count,
		diagnostics_json = excluded.diagnostics_json,
		result_json = excluded.result_json
	RETURNING id
	`

	err = tx.QueryRowContext(ctx, query,
		r.ID,
		r.Destination,
		addrText(r.DestinationAddress),
		addrText(r.SourceAddress),
		addrText(r.PublicAddress),
		r.Status.String(),
		formatTimestamp(r.StartedAt),
		formatTimestamp(r.FinishedAt),
		len(r.PathsStep4),
		string(diagJSON),
		string(resultJSON),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM paths WHERE run_ref = ?", id); err != nil {
		return 0, fmt.Errorf("failed to replace paths: %w", err)
	}
	for i, p := range r.PathsStep4 {
		if p == nil {
			continue
		}
		stats := model.ComputeStats(p)
		_, err = tx.ExecContext(ctx, `
		INSERT INTO paths (run_ref, position, fingerprint, flags, hops, completed)
		VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, p.Fingerprint(), int64(p.Flags), p.String(), stats.Completed)
		if err != nil {
			return 0, fmt.Errorf("failed to save path: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	return id, nil
}

// LatestResult retrieves the most recent result for a destination.
// It returns nil when the destination was never stored.
func (rdb *ResultDB) LatestResult(ctx context.Context, destination string) (*model.Result, error) {
	query := `
	SELECT result_json FROM runs
	WHERE destination = ?
	ORDER BY started_at DESC, id DESC
	LIMIT 1
	`
	return rdb.queryResult(ctx, query, destination)
}

// ResultByID retrieves a result by its database ID.
func (rdb *ResultDB) ResultByID(ctx context.Context, id int64) (*model.Result, error) {
	return rdb.queryResult(ctx, "SELECT result_json FROM runs WHERE id = ?", id)
}

// ResultByRunID retrieves a result by its run ID.
func (rdb *ResultDB) ResultByRunID(ctx context.Context, runID string) (*model.Result, error) {
	return rdb.queryResult(ctx, "SELECT result_json FROM runs WHERE run_id = ?", runID)
}

func (rdb *ResultDB) queryResult(ctx context.Context, query string, args ...any) (*model.Result, error) {
	var resultJSON string
	err := rdb.db.QueryRowContext(ctx, query, args...).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	var r model.Result
	if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &r, nil
}

// ListDestinations returns every stored destination in name order.
func (rdb *ResultDB) ListDestinations(ctx context.Context) ([]string, error) {
	rows, err := rdb.db.QueryContext(ctx, "SELECT DISTINCT destination FROM runs ORDER BY destination")
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	defer rows.Close()

	var destinations []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		destinations = append(destinations, d)
	}
	return destinations, rows.Err()
}

// RunMetadata summarizes a stored run without loading its paths.
type RunMetadata struct {
	// ID is the database ID of the run.
	ID int64

	// RunID is the engine run ID.
	RunID string

	Destination        string
	DestinationAddress netip.Addr
	Status             model.Status
	StartedAt          time.Time
	FinishedAt         time.Time
	PathCount          int
	Diagnostics        model.Diagnostics
}

// History retrieves the metadata of the stored runs of destination, most
// recent first. An empty destination lists every run.
func (rdb *ResultDB) History(ctx context.Context, destination string) ([]RunMetadata, error) {
	query := `
	SELECT id, run_id, destination, destination_address, status, started_at, finished_at,
		path_count, diagnostics_json
	FROM runs
	WHERE 1=1
	`
	args := make([]any, 0, 1)
	if destination != "" {
		query += " AND destination = ?"
		args = append(args, destination)
	}
	query += " ORDER BY started_at DESC, id DESC"

	rows, err := rdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var results []RunMetadata
	for rows.Next() {
		var meta RunMetadata
		var dstAddr, status, started, finished sql.NullString
		var diagJSON sql.NullString

		if err := rows.Scan(&meta.ID, &meta.RunID, &meta.Destination, &dstAddr, &status,
			&started, &finished, &meta.PathCount, &diagJSON); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}

		meta.DestinationAddress, _ = netip.ParseAddr(dstAddr.String)
		meta.Status, _ = model.ParseStatus(status.String)
		meta.StartedAt = parseTimestamp(started.String)
		meta.FinishedAt = parseTimestamp(finished.String)
		if diagJSON.Valid && diagJSON.String != "" {
			if err := json.Unmarshal([]byte(diagJSON.String), &meta.Diagnostics); err != nil {
				return nil, fmt.Errorf("failed to decode diagnostics of run %d: %w", meta.ID, err)
			}
		}

		results = append(results, meta)
	}
	return results, rows.Err()
}

// PathRecord is one stored final path.
type PathRecord struct {
	Position    int
	Fingerprint string
	Flags       model.Flags
	Hops        []string
	Completed   bool
}

// Paths retrieves the final paths of a run in result order.
func (rdb *ResultDB) Paths(ctx context.Context, id int64) ([]PathRecord, error) {
	query := `
	SELECT position, fingerprint, flags, hops, completed
	FROM paths
	WHERE run_ref = ?
	ORDER BY position
	`
	rows, err := rdb.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	defer rows.Close()

	var out []PathRecord
	for rows.Next() {
		var rec PathRecord
		var flags int64
		var hops string
		if err := rows.Scan(&rec.Position, &rec.Fingerprint, &flags, &hops, &rec.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		rec.Flags = model.Flags(flags)
		rec.Hops = strings.Fields(hops)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DestinationsWithPath returns the destinations whose runs contain a path
// with the given fingerprint.
func (rdb *ResultDB) DestinationsWithPath(ctx context.Context, fingerprint string) ([]string, error) {
	query := `
	SELECT DISTINCT r.destination
	FROM paths p JOIN runs r ON r.id = p.run_ref
	WHERE p.fingerprint = ?
	ORDER BY r.destination
	`
	rows, err := rdb.db.QueryContext(ctx, query, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func addrText(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// More specific formats come first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999",
}

// parseTimestamp tries every known format and returns the zero time when
// none matches.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
