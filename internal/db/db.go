// Package db persists AgriScan samples, calibration versions, and
// detected events to a local SQLite database, and serves the
// historical-query side of the HTTP API from it.
package db

import (
	"compress/gzip"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/agriscan/node/internal/model"
)

type DB struct {
	*sql.DB
}

// schema.sql contains the SQL statements for creating the database schema.
// It defines the samples, calibration, and events tables. The schema is
// embedded directly into the binary and executed when a new database is
// created via NewDB, ensuring consistent schema across all deployments.
//
// CRITICAL: schema.sql MUST be kept in sync with the latest migration version.
// When creating a fresh database, we verify that schema.sql matches the schema
// produced by applying all migrations. If they differ, database initialization
// fails with a clear error message. This prevents silently creating databases
// with incomplete schemas.

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode controls whether to use filesystem or embedded migrations.
// Set to true in development for hot-reloading, false in production.
var DevMode = false

// getMigrationsFS returns the appropriate filesystem for migrations.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		return os.DirFS("internal/db/migrations"), nil
	}
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub-filesystem for embedded migrations directory %q: %w", "migrations", err)
	}
	return subFS, nil
}

// applyPragmas applies essential SQLite PRAGMAs for performance and concurrency.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func NewDB(path string) (*DB, error) {
	return NewDBWithMigrationCheck(path, true)
}

// NewDBWithMigrationCheck opens a database and optionally checks for pending migrations.
// If checkMigrations is true and migrations are pending, returns an error prompting user to run migrations.
func NewDBWithMigrationCheck(path string, checkMigrations bool) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	dbWrapper := &DB{db}

	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}

	var schemaMigrationsExists bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&schemaMigrationsExists)
	if err != nil {
		return nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// Case 1: Database with migration history - check if migrations are needed.
	if schemaMigrationsExists {
		if checkMigrations {
			shouldExit, err := dbWrapper.CheckAndPromptMigrations(migrationsFS)
			if shouldExit {
				return nil, err
			}
		}
		return dbWrapper, nil
	}

	// Case 2: Database without schema_migrations table - check if this is a
	// legacy database (has tables) or a fresh database.
	var tableCount int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
	`).Scan(&tableCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}

	isLegacyDB := (tableCount > 0)

	// Case 2a: Legacy database without migration history - detect and baseline.
	if isLegacyDB && checkMigrations {
		log.Printf("⚠️  Database exists but has no schema_migrations table!")
		log.Printf("   Attempting to detect schema version...")

		detectedVersion, matchScore, differences, err := dbWrapper.DetectSchemaVersion(migrationsFS)
		if err != nil {
			return nil, fmt.Errorf("failed to detect schema version: %w", err)
		}

		log.Printf("   Schema detection results:")
		log.Printf("   - Best match: version %d (score: %d%%)", detectedVersion, matchScore)

		if matchScore == 100 {
			log.Printf("   - Perfect match! Baselining at version %d", detectedVersion)
			if err := dbWrapper.BaselineAtVersion(detectedVersion); err != nil {
				return nil, fmt.Errorf("failed to baseline at version %d: %w", detectedVersion, err)
			}

			latestVersion, err := GetLatestMigrationVersion(migrationsFS)
			if err != nil {
				return nil, fmt.Errorf("failed to get latest version: %w", err)
			}

			if detectedVersion < latestVersion {
				log.Printf("")
				log.Printf("   Database has been baselined at version %d", detectedVersion)
				log.Printf("   There are %d additional migrations available (up to version %d)",
					latestVersion-detectedVersion, latestVersion)
				log.Printf("")
				log.Printf("   To apply remaining migrations, run:")
				log.Printf("      agriscand migrate up")
				log.Printf("")
				return nil, fmt.Errorf("database baselined at version %d, but migrations to version %d are available. Please run migrations", detectedVersion, latestVersion)
			}

			log.Printf("   Database is up to date!")
			return dbWrapper, nil
		}

		log.Printf("   - No perfect match found (best: %d%%)", matchScore)
		log.Printf("")
		log.Printf("   Schema differences from version %d:", detectedVersion)
		for _, diff := range differences {
			log.Printf("     %s", diff)
		}
		log.Printf("")
		log.Printf("   The current schema does not exactly match any known migration version.")
		log.Printf("   Closest match is version %d with %d%% similarity.", detectedVersion, matchScore)
		log.Printf("")
		log.Printf("   Options:")
		log.Printf("   1. Baseline at version %d and apply remaining migrations:", detectedVersion)
		log.Printf("      agriscand migrate baseline %d", detectedVersion)
		log.Printf("      agriscand migrate up")
		log.Printf("")
		log.Printf("   2. Manually inspect the differences and adjust your schema")
		log.Printf("")
		return nil, fmt.Errorf("schema does not match any known version (best match: v%d at %d%%). Manual intervention required", detectedVersion, matchScore)
	}

	// Case 2b: Fresh database - initialize with schema.sql and baseline at latest version.
	_, err = db.Exec(schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Println("ran database initialisation script")

	latestVersion, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest migration version: %w", err)
	}

	schemaFromSQL, err := dbWrapper.GetDatabaseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema from schema.sql: %w", err)
	}

	schemaFromMigrations, err := dbWrapper.GetSchemaAtMigration(migrationsFS, latestVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema at migration v%d: %w", latestVersion, err)
	}

	score, differences := CompareSchemas(schemaFromSQL, schemaFromMigrations)
	if score != 100 {
		log.Printf("⚠️  WARNING: schema.sql is out of sync with migrations!")
		log.Printf("   Schema from schema.sql differs from migration v%d (similarity: %d%%)", latestVersion, score)
		log.Printf("   Differences:")
		for _, diff := range differences {
			log.Printf("     %s", diff)
		}
		log.Printf("")
		return nil, fmt.Errorf("schema.sql is out of sync with migration v%d (similarity: %d%%). Cannot baseline safely", latestVersion, score)
	}

	if err := dbWrapper.BaselineAtVersion(latestVersion); err != nil {
		return nil, fmt.Errorf("failed to baseline fresh database at version %d: %w", latestVersion, err)
	}

	currentVersion, _, err := dbWrapper.MigrateVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to verify baseline: %w", err)
	}
	if currentVersion != latestVersion {
		return nil, fmt.Errorf("baseline verification failed: expected version %d, got %d", latestVersion, currentVersion)
	}

	return dbWrapper, nil
}

// OpenDB opens a database connection without running schema initialization.
// This is useful for migration commands that manage schema independently.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}

	return &DB{db}, nil
}

// InsertSamples writes a batch of samples inside a single transaction. On
// any failure the transaction is rolled back in full: callers are expected
// to retain the in-RAM batch buffer and retry rather than split and
// partially commit it, so a crashed write never leaves the ring buffer out
// of sync with storage.
func (db *DB) InsertSamples(samples []model.Sample) (err error) {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO samples (
			timestamp, raw, temp_c, theta, theta_fc, theta_refill, psi_kpa,
			aw_mm, fraction_depleted, drying_rate, regime, status, urgency,
			confidence, qc_valid, qc_flags, seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err = stmt.Exec(
			s.Timestamp, s.Raw, s.TempC, s.Theta, nullableFloat(s.ThetaFC),
			nullableFloat(s.ThetaRefill), nullableFloat(s.PsiKPa), nullableFloat(s.AWmm),
			nullableFloat(s.FractionDepleted), nullableFloat(s.DryingRate),
			string(s.Regime), string(s.Status), string(s.Urgency), s.Confidence,
			boolToInt(s.QCValid), flagsToCSV(s.QCFlags), s.Seq,
		); err != nil {
			return fmt.Errorf("insert sample at %d: %w", s.Timestamp, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullableFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func flagsToCSV(flags []model.QCFlag) string {
	if len(flags) == 0 {
		return ""
	}
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func csvToFlags(csv string) []model.QCFlag {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	flags := make([]model.QCFlag, len(parts))
	for i, p := range parts {
		flags[i] = model.QCFlag(p)
	}
	return flags
}

func scanSample(row interface {
	Scan(dest ...any) error
}) (model.Sample, error) {
	var s model.Sample
	var thetaFC, thetaRefill, psiKPa, awMM, fracDepleted, dryingRate sql.NullFloat64
	var regime, status, urgency, qcFlags string
	var qcValid int
	if err := row.Scan(
		&s.Timestamp, &s.Raw, &s.TempC, &s.Theta, &thetaFC, &thetaRefill, &psiKPa,
		&awMM, &fracDepleted, &dryingRate, &regime, &status, &urgency,
		&s.Confidence, &qcValid, &qcFlags, &s.Seq,
	); err != nil {
		return model.Sample{}, err
	}
	s.ThetaFC = thetaFC.Float64
	s.ThetaRefill = thetaRefill.Float64
	s.PsiKPa = psiKPa.Float64
	s.AWmm = awMM.Float64
	s.FractionDepleted = fracDepleted.Float64
	s.DryingRate = dryingRate.Float64
	s.Regime = model.Regime(regime)
	s.Status = model.Status(status)
	s.Urgency = model.Urgency(urgency)
	s.QCValid = qcValid != 0
	s.QCFlags = csvToFlags(qcFlags)
	return s, nil
}

const sampleColumns = `timestamp, raw, temp_c, theta, theta_fc, theta_refill, psi_kpa,
	aw_mm, fraction_depleted, drying_rate, regime, status, urgency, confidence,
	qc_valid, qc_flags, seq`

// LatestSample returns the most recently written sample, or ok=false if the
// table is empty.
func (db *DB) LatestSample() (s model.Sample, ok bool, err error) {
	row := db.QueryRow(`SELECT ` + sampleColumns + ` FROM samples ORDER BY timestamp DESC LIMIT 1`)
	s, err = scanSample(row)
	if err == sql.ErrNoRows {
		return model.Sample{}, false, nil
	}
	if err != nil {
		return model.Sample{}, false, err
	}
	return s, true, nil
}

// RecentSamples returns the last n samples, oldest first.
func (db *DB) RecentSamples(n int) ([]model.Sample, error) {
	rows, err := db.Query(`SELECT `+sampleColumns+` FROM samples ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// DefaultRangeRowCap is the maximum number of rows SamplesInRange returns
// unless the caller raises limit explicitly, keeping a single HTTP request
// from holding the store lock over an unbounded scan.
const DefaultRangeRowCap = 200

// SamplesInRange streams samples with timestamp in [start, end] to yield,
// oldest first, stopping early if yield returns false. limit caps the
// number of rows scanned; values <= 0 fall back to DefaultRangeRowCap.
func (db *DB) SamplesInRange(start, end int64, limit int, yield func(model.Sample) bool) error {
	if limit <= 0 {
		limit = DefaultRangeRowCap
	}
	rows, err := db.Query(`SELECT `+sampleColumns+` FROM samples WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp ASC LIMIT ?`, start, end, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return err
		}
		if !yield(s) {
			break
		}
	}
	return rows.Err()
}

// InsertCalibration appends a new calibration version row and returns its
// assigned version number.
func (db *DB) InsertCalibration(c model.CalibrationVersion) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO calibration (timestamp, state, theta_fc, theta_refill, n_events, confidence, params_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Timestamp, string(c.State), nullableFloat(c.ThetaFC), nullableFloat(c.ThetaRefill), c.NEvents, c.Confidence, c.ParamsJSON)
	if err != nil {
		return 0, fmt.Errorf("insert calibration: %w", err)
	}
	return res.LastInsertId()
}

// LatestCalibration returns the most recently recorded calibration version.
func (db *DB) LatestCalibration() (c model.CalibrationVersion, ok bool, err error) {
	var thetaFC, thetaRefill sql.NullFloat64
	var state string
	row := db.QueryRow(`SELECT version, timestamp, state, theta_fc, theta_refill, n_events, confidence, params_json
		FROM calibration ORDER BY version DESC LIMIT 1`)
	if err = row.Scan(&c.Version, &c.Timestamp, &state, &thetaFC, &thetaRefill, &c.NEvents, &c.Confidence, &c.ParamsJSON); err != nil {
		if err == sql.ErrNoRows {
			return model.CalibrationVersion{}, false, nil
		}
		return model.CalibrationVersion{}, false, err
	}
	c.State = model.CalibrationState(state)
	c.ThetaFC = thetaFC.Float64
	c.ThetaRefill = thetaRefill.Float64
	return c, true, nil
}

// InsertEvent appends a detected wetting/drainage/drydown event.
func (db *DB) InsertEvent(e model.Event) error {
	meta := e.Metadata
	if meta == "" {
		meta = "{}"
	}
	var tsEnd sql.NullInt64
	if e.TsEnd != 0 {
		tsEnd = sql.NullInt64{Int64: e.TsEnd, Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO events (id, ts_start, ts_end, event_type, delta_theta, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TsStart, tsEnd, string(e.EventType), nullableFloat(e.DeltaTheta), meta)
	return err
}

// RecentEvents returns the last n events, newest first.
func (db *DB) RecentEvents(n int) ([]model.Event, error) {
	rows, err := db.Query(`SELECT id, ts_start, ts_end, event_type, delta_theta, metadata
		FROM events ORDER BY ts_start DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var tsEnd sql.NullInt64
		var deltaTheta sql.NullFloat64
		var eventType, metaJSON string
		if err := rows.Scan(&e.ID, &e.TsStart, &tsEnd, &eventType, &deltaTheta, &metaJSON); err != nil {
			return nil, err
		}
		e.TsEnd = tsEnd.Int64
		e.EventType = model.EventType(eventType)
		e.DeltaTheta = deltaTheta.Float64
		e.Metadata = metaJSON
		events = append(events, e)
	}
	return events, rows.Err()
}

// TableStats contains size and row count information for a database table.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats contains overall database statistics.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats returns size and row count information for all tables in the database.
// Uses SQLite's dbstat virtual table to get accurate size information.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	var totalPages, pageSize int64
	row := db.QueryRow("SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&totalPages, &pageSize); err != nil {
		if err := db.QueryRow("PRAGMA page_count").Scan(&totalPages); err != nil {
			return nil, fmt.Errorf("failed to get page count: %w", err)
		}
		if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
			return nil, fmt.Errorf("failed to get page size: %w", err)
		}
	}
	totalSizeMB := float64(totalPages*pageSize) / (1024 * 1024)

	tablesQuery := `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	rows, err := db.Query(tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}

	var tables []TableStats
	for _, tableName := range tableNames {
		var rowCount int64
		// tableName comes from sqlite_master (trusted metadata); %q applies
		// proper SQLite identifier quoting, so this is not an injection risk.
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)
		if err := db.QueryRow(countQuery).Scan(&rowCount); err != nil {
			rowCount = 0
		}

		var sizeMB float64
		sizeQuery := `SELECT COALESCE(SUM(pgsize), 0) / 1048576.0 FROM dbstat WHERE name = ?`
		if err := db.QueryRow(sizeQuery, tableName).Scan(&sizeMB); err != nil {
			sizeMB = 0
		}

		tables = append(tables, TableStats{
			Name:     tableName,
			RowCount: rowCount,
			SizeMB:   math.Round(sizeMB*100) / 100,
		})
	}

	sort.Slice(tables, func(i, j int) bool {
		return tables[i].SizeMB > tables[j].SizeMB
	})

	return &DatabaseStats{
		TotalSizeMB: math.Round(totalSizeMB*100) / 100,
		Tables:      tables,
	}, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://agriscan.db", db.DB, &tailsql.DBOptions{
		Label: "AgriScan DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Database table sizes and disk usage (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats, err := db.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get database stats: %v", err), http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode stats: %v", err), http.StatusInternalServerError)
			return
		}
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
