package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	attendsync "github.com/mof-lk/attendsync"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	cycleTableName  = "sync_cycles"
	deviceTableName = "sync_device_results"
)

// HistoryStore persists finished cycles and per-device outcomes to SQLite.
// It implements attendsync.SyncRecorder.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// CycleRow is one persisted cycle summary.
type CycleRow struct {
	ID               int64
	SessionID        string
	Cycle            int
	StartedAt        time.Time
	FinishedAt       time.Time
	TotalDevices     int
	Successful       int
	Failed           int
	RawRecords       int
	ProcessedRecords int
}

// OpenHistory opens (and migrates) the history database at path, creating the
// parent directory when needed.
func OpenHistory(path string) (*HistoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, pkgerrors.New("storage: history db path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("storage: sync history opened")
	return &HistoryStore{db: db, path: path}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=10000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + cycleTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			total_devices INTEGER NOT NULL,
			successful INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			raw_records INTEGER NOT NULL,
			processed_records INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + deviceTableName + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id INTEGER NOT NULL REFERENCES ` + cycleTableName + `(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			device_name TEXT,
			success INTEGER NOT NULL,
			raw_records INTEGER NOT NULL,
			processed_records INTEGER NOT NULL,
			error TEXT,
			duration_ms INTEGER NOT NULL,
			synced_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + deviceTableName + `_device ON ` + deviceTableName + ` (device_id, success, synced_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: prepare history schema failed")
		}
	}
	return nil
}

// Path returns the database file path.
func (s *HistoryStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// RecordCycle writes the cycle summary and every device outcome in one
// transaction.
func (s *HistoryStore) RecordCycle(ctx context.Context, report attendsync.CycleReport) (err error) {
	if s == nil || s.db == nil {
		return pkgerrors.New("storage: history store not open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: begin history tx failed")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res := report.Result
	inserted, err := tx.ExecContext(ctx,
		`INSERT INTO `+cycleTableName+` (session_id, cycle, started_at, finished_at, total_devices, successful, failed, raw_records, processed_records)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.SessionID, report.Cycle,
		report.StartedAt.UnixMilli(), report.FinishedAt.UnixMilli(),
		res.TotalDevices, res.SuccessfulSyncs, res.FailedSyncs,
		res.TotalRawRecords, res.TotalProcessedRecords,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: insert sync cycle failed")
	}
	cycleID, err := inserted.LastInsertId()
	if err != nil {
		return pkgerrors.Wrap(err, "storage: read sync cycle id failed")
	}

	if len(res.Outcomes) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO `+deviceTableName+` (cycle_id, device_id, device_name, success, raw_records, processed_records, error, duration_ms, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return pkgerrors.Wrap(err, "storage: prepare device result insert failed")
		}
		defer stmt.Close()
		for _, outcome := range res.Outcomes {
			if _, err := stmt.ExecContext(ctx,
				cycleID, outcome.DeviceID, outcome.DeviceName, boolToInt(outcome.Success),
				outcome.RawRecords, outcome.ProcessedRecords, nullString(outcome.Error),
				outcome.Duration.Milliseconds(), report.FinishedAt.UnixMilli(),
			); err != nil {
				return pkgerrors.Wrapf(err, "storage: insert result for device %s failed", outcome.DeviceID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "storage: commit history tx failed")
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (s *HistoryStore) RecentCycles(ctx context.Context, limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, cycle, started_at, finished_at, total_devices, successful, failed, raw_records, processed_records
		FROM `+cycleTableName+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query recent cycles failed")
	}
	defer rows.Close()

	var result []CycleRow
	for rows.Next() {
		var (
			row                 CycleRow
			startedMs, finished int64
		)
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Cycle, &startedMs, &finished,
			&row.TotalDevices, &row.Successful, &row.Failed, &row.RawRecords, &row.ProcessedRecords); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan cycle row failed")
		}
		row.StartedAt = time.UnixMilli(startedMs)
		row.FinishedAt = time.UnixMilli(finished)
		result = append(result, row)
	}
	return result, pkgerrors.Wrap(rows.Err(), "storage: iterate cycle rows failed")
}

// LastSuccessfulSyncs returns the latest successful sync time per device
// across all recorded sessions.
func (s *HistoryStore) LastSuccessfulSyncs(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, MAX(synced_at) FROM `+deviceTableName+` WHERE success = 1 GROUP BY device_id`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: query last syncs failed")
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var (
			deviceID string
			syncedAt int64
		)
		if err := rows.Scan(&deviceID, &syncedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan last sync row failed")
		}
		result[deviceID] = time.UnixMilli(syncedAt)
	}
	return result, pkgerrors.Wrap(rows.Err(), "storage: iterate last sync rows failed")
}

// Close releases the database handle.
func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
