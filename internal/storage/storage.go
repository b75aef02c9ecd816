// Package storage provides SQLite-backed persistence for refresh snapshots.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/polytracker/internal/models"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db           *sql.DB
	maxSnapshots int
}

// chartPayload is the stored form of a snapshot's aligned chart.
type chartPayload struct {
	Series []string              `json:"series"`
	Rows   []models.MergedRecord `json:"rows"`
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polytracker/data.db.
func New(maxSnapshots int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polytracker", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxSnapshots: maxSnapshots}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id                   TEXT PRIMARY KEY,
			taken_at             INTEGER NOT NULL,
			record_count         INTEGER NOT NULL,
			best_source          TEXT,
			best_mae             REAL,
			best_high_confidence INTEGER NOT NULL DEFAULT 0,
			chart_json           TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			snapshot_id      TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			rank             INTEGER NOT NULL,
			source           TEXT NOT NULL,
			mae              REAL NOT NULL,
			rmse             REAL NOT NULL,
			accuracy_percent REAL NOT NULL,
			total_forecasts  INTEGER NOT NULL,
			total_resolved   INTEGER NOT NULL,
			PRIMARY KEY (snapshot_id, rank)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot stores a snapshot and its leaderboard, assigning an ID when empty,
// and evicts the oldest snapshots beyond the cap.
// The ID is written back to snap only once the save commits.
func (s *Storage) SaveSnapshot(snap *models.Snapshot) error {
	if snap.TakenAt.IsZero() {
		return errors.New("invalid snapshot: taken at must be set")
	}
	id := snap.ID
	if id == "" {
		id = uuid.New().String()
	}

	chartJSON, err := json.Marshal(chartPayload{Series: snap.Series, Rows: snap.Records})
	if err != nil {
		return fmt.Errorf("failed to marshal chart: %w", err)
	}

	var bestSource sql.NullString
	var bestMAE sql.NullFloat64
	if snap.HasBest {
		bestSource = sql.NullString{String: snap.Best.Source, Valid: true}
		bestMAE = sql.NullFloat64{Float64: snap.Best.MAE, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO snapshots
			(id, taken_at, record_count, best_source, best_mae, best_high_confidence, chart_json)
		VALUES (?,?,?,?,?,?,?)`,
		id, snap.TakenAt.UnixNano(), len(snap.Records),
		bestSource, bestMAE, boolToInt(snap.HasBest && snap.Best.IsHighConfidence),
		string(chartJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	for i, e := range snap.Leaderboard {
		_, err = tx.Exec(`
			INSERT INTO leaderboard_entries
				(snapshot_id, rank, source, mae, rmse, accuracy_percent, total_forecasts, total_resolved)
			VALUES (?,?,?,?,?,?,?,?)`,
			id, i+1, e.Source, e.MAE, e.RMSE, e.AccuracyPercent, e.TotalForecasts, e.TotalResolved,
		)
		if err != nil {
			return fmt.Errorf("failed to insert leaderboard entry %d: %w", i+1, err)
		}
	}

	if _, err = tx.Exec(`
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC LIMIT ?
		)`, s.maxSnapshots); err != nil {
		return fmt.Errorf("failed to enforce snapshot cap: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	snap.ID = id
	return nil
}

// GetSnapshot loads a snapshot by ID.
func (s *Storage) GetSnapshot(id string) (*models.Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotCols+` FROM snapshots WHERE id = ?`, id)
	return s.loadSnapshot(row.Scan)
}

// LatestSnapshot loads the most recently taken snapshot.
func (s *Storage) LatestSnapshot() (*models.Snapshot, error) {
	row := s.db.QueryRow(`SELECT ` + snapshotCols + ` FROM snapshots ORDER BY taken_at DESC LIMIT 1`)
	return s.loadSnapshot(row.Scan)
}

// ListSnapshots returns up to limit snapshot summaries, newest first.
func (s *Storage) ListSnapshots(limit int) ([]models.SnapshotSummary, error) {
	return s.querySummaries(`
		SELECT id, taken_at, record_count, best_source, best_mae
		FROM snapshots ORDER BY taken_at DESC LIMIT ?`, limit)
}

// BestHistory returns up to limit summaries of snapshots that had a best model, newest first.
func (s *Storage) BestHistory(limit int) ([]models.SnapshotSummary, error) {
	return s.querySummaries(`
		SELECT id, taken_at, record_count, best_source, best_mae
		FROM snapshots WHERE best_source IS NOT NULL ORDER BY taken_at DESC LIMIT ?`, limit)
}

// RotateSnapshots keeps at most maxSnapshots newest snapshots by taken_at.
// Cascading deletes remove associated leaderboard entries.
func (s *Storage) RotateSnapshots() error {
	_, err := s.db.Exec(`
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC LIMIT ?
		)`, s.maxSnapshots)
	if err != nil {
		return fmt.Errorf("failed to rotate snapshots: %w", err)
	}
	return nil
}

func (s *Storage) querySummaries(query string, limit int) ([]models.SnapshotSummary, error) {
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	summaries := []models.SnapshotSummary{}
	for rows.Next() {
		var sum models.SnapshotSummary
		var takenAtNano int64
		var bestSource sql.NullString
		var bestMAE sql.NullFloat64
		if err := rows.Scan(&sum.ID, &takenAtNano, &sum.RecordCount, &bestSource, &bestMAE); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		sum.TakenAt = time.Unix(0, takenAtNano)
		sum.HasBest = bestSource.Valid
		sum.BestSource = bestSource.String
		sum.BestMAE = bestMAE.Float64
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

const snapshotCols = `id, taken_at, best_source, best_high_confidence, chart_json`

func (s *Storage) loadSnapshot(scan func(...any) error) (*models.Snapshot, error) {
	var snap models.Snapshot
	var takenAtNano int64
	var bestSource sql.NullString
	var highConfidence int
	var chartJSON string

	err := scan(&snap.ID, &takenAtNano, &bestSource, &highConfidence, &chartJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.TakenAt = time.Unix(0, takenAtNano)

	var chart chartPayload
	if err := json.Unmarshal([]byte(chartJSON), &chart); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chart: %w", err)
	}
	snap.Series = chart.Series
	snap.Records = chart.Rows
	if snap.Records == nil {
		snap.Records = []models.MergedRecord{}
	}

	entries, err := s.leaderboard(snap.ID)
	if err != nil {
		return nil, err
	}
	snap.Leaderboard = entries

	if bestSource.Valid && len(entries) > 0 {
		first := entries[0]
		snap.HasBest = true
		snap.Best = models.BestModel{
			Source:           first.Source,
			MAE:              first.MAE,
			RMSE:             first.RMSE,
			AccuracyPercent:  first.AccuracyPercent,
			TotalForecasts:   first.TotalForecasts,
			TotalResolved:    first.TotalResolved,
			IsHighConfidence: highConfidence != 0,
		}
	}
	return &snap, nil
}

func (s *Storage) leaderboard(snapshotID string) ([]models.AccuracySummary, error) {
	rows, err := s.db.Query(`
		SELECT source, mae, rmse, accuracy_percent, total_forecasts, total_resolved
		FROM leaderboard_entries WHERE snapshot_id = ? ORDER BY rank`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := []models.AccuracySummary{}
	for rows.Next() {
		var e models.AccuracySummary
		if err := rows.Scan(&e.Source, &e.MAE, &e.RMSE, &e.AccuracyPercent, &e.TotalForecasts, &e.TotalResolved); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
