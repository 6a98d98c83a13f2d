package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// core owns the sqlite connection. It is only ever touched by the facade
// worker goroutine, so none of its methods take locks.
type core struct {
	db *sql.DB
}

func openCore(path string) (*core, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single writer by design; a second connection would only contend.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	c := &core{db: db}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *core) createSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS bottles (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			bottle_key        TEXT NOT NULL UNIQUE,
			display_id        TEXT,
			session_id        TEXT NOT NULL,
			production_lot    TEXT,
			timestamp         TEXT NOT NULL,
			status            TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS defects (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			bottle_id         INTEGER NOT NULL,
			defect_type       TEXT NOT NULL,
			confidence        REAL,
			image_path        TEXT,
			timestamp         TEXT NOT NULL,
			bbox_x            INTEGER,
			bbox_y            INTEGER,
			bbox_w            INTEGER,
			bbox_h            INTEGER,
			FOREIGN KEY(bottle_id) REFERENCES bottles(id)
		);
		CREATE INDEX IF NOT EXISTS idx_bottles_key ON bottles(bottle_key);
		CREATE INDEX IF NOT EXISTS idx_bottles_timestamp ON bottles(timestamp);
		CREATE INDEX IF NOT EXISTS idx_defects_bottle ON defects(bottle_id);
		CREATE INDEX IF NOT EXISTS idx_defects_timestamp ON defects(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// insertBottle inserts a bottle row or upserts an existing one by key. Status
// can only move PASS -> FAIL; inserting PASS over an existing FAIL leaves the
// row untouched. Returns the row's primary key either way.
func (c *core) insertBottle(key string, displayID *string, sessionID string, lot *string, status Status) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("bottle key must not be empty")
	}
	if !status.Valid() {
		return 0, fmt.Errorf("invalid status %q", status)
	}

	var id int64
	err := c.db.QueryRow(`SELECT id FROM bottles WHERE bottle_key = ?`, key).Scan(&id)
	switch {
	case err == nil:
		if status == StatusFail {
			if _, err := c.db.Exec(`UPDATE bottles SET status = ? WHERE bottle_key = ?`, StatusFail, key); err != nil {
				return 0, fmt.Errorf("failed to upsert bottle status: %w", err)
			}
		}
		return id, nil
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("failed to look up bottle: %w", err)
	}

	res, err := c.db.Exec(
		`INSERT INTO bottles (bottle_key, display_id, session_id, production_lot, timestamp, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, displayID, sessionID, lot, time.Now().UTC().Format(time.RFC3339Nano), status,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert bottle: %w", err)
	}
	return res.LastInsertId()
}

// insertDefect records a defect and upserts its parent bottle to FAIL.
func (c *core) insertDefect(key string, displayID *string, sessionID string, d DefectInsert) (int64, error) {
	if d.DefectType == "" {
		return 0, fmt.Errorf("defect type must not be empty")
	}

	bottlePK, err := c.insertBottle(key, displayID, sessionID, d.ProductionLot, StatusFail)
	if err != nil {
		return 0, err
	}

	var bx, by, bw, bh *int
	if d.BBox != nil {
		bx, by, bw, bh = &d.BBox.X, &d.BBox.Y, &d.BBox.W, &d.BBox.H
	}

	res, err := c.db.Exec(
		`INSERT INTO defects (bottle_id, defect_type, confidence, image_path, timestamp, bbox_x, bbox_y, bbox_w, bbox_h)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bottlePK, d.DefectType, d.Confidence, d.ImagePath,
		time.Now().UTC().Format(time.RFC3339Nano), bx, by, bw, bh,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert defect: %w", err)
	}
	return res.LastInsertId()
}

const defectSelect = `
	SELECT
		defects.id, bottles.bottle_key, bottles.display_id, bottles.production_lot,
		defects.defect_type, defects.confidence, defects.image_path, defects.timestamp,
		defects.bbox_x, defects.bbox_y, defects.bbox_w, defects.bbox_h
	FROM defects
	JOIN bottles ON defects.bottle_id = bottles.id
`

func scanDefect(rows interface{ Scan(...any) error }) (DefectRecord, error) {
	var (
		rec       DefectRecord
		ts        string
		conf      sql.NullFloat64
		imagePath sql.NullString
		displayID sql.NullString
		lot       sql.NullString
		bx, by    sql.NullInt64
		bw, bh    sql.NullInt64
	)

	err := rows.Scan(
		&rec.ID, &rec.BottleKey, &displayID, &lot,
		&rec.DefectType, &conf, &imagePath, &ts,
		&bx, &by, &bw, &bh,
	)
	if err != nil {
		return rec, err
	}

	if displayID.Valid {
		rec.DisplayID = &displayID.String
	}
	if lot.Valid {
		rec.ProductionLot = &lot.String
	}
	if conf.Valid {
		rec.Confidence = &conf.Float64
	}
	if imagePath.Valid {
		rec.ImagePath = &imagePath.String
	}
	if bx.Valid && by.Valid && bw.Valid && bh.Valid {
		rec.BBox = &BBox{X: int(bx.Int64), Y: int(by.Int64), W: int(bw.Int64), H: int(bh.Int64)}
	}
	if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		rec.Timestamp = parsed
	}
	return rec, nil
}

// getDefects lists defect records, most recent first.
func (c *core) getDefects(q DefectQuery) ([]DefectRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := defectSelect + ` WHERE 1=1`
	var args []any
	if q.DefectType != "" {
		query += ` AND defects.defect_type = ?`
		args = append(args, q.DefectType)
	}
	if q.StartTime != nil {
		query += ` AND defects.timestamp >= ?`
		args = append(args, q.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if q.EndTime != nil {
		query += ` AND defects.timestamp <= ?`
		args = append(args, q.EndTime.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY defects.timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query defects: %w", err)
	}
	defer rows.Close()

	var records []DefectRecord
	for rows.Next() {
		rec, err := scanDefect(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan defect: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// getDefectByBottleKey returns the most recent defect for a bottle, or nil.
func (c *core) getDefectByBottleKey(key string) (*DefectRecord, error) {
	row := c.db.QueryRow(defectSelect+` WHERE bottles.bottle_key = ? ORDER BY defects.timestamp DESC LIMIT 1`, key)
	rec, err := scanDefect(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query defect by bottle key: %w", err)
	}
	return &rec, nil
}

// getBottleStatus returns the persisted status for a bottle key.
func (c *core) getBottleStatus(key string) (Status, error) {
	var s Status
	err := c.db.QueryRow(`SELECT status FROM bottles WHERE bottle_key = ?`, key).Scan(&s)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: no bottle with key %q", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query bottle status: %w", err)
	}
	return s, nil
}

// getStatistics aggregates bottle and defect counts over the trailing window.
func (c *core) getStatistics(windowHours int) (Statistics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	stats := Statistics{
		DefectsByType: make(map[string]int),
		WindowHours:   windowHours,
	}
	cutoff := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour).Format(time.RFC3339Nano)

	if err := c.db.QueryRow(`SELECT COUNT(*) FROM bottles WHERE timestamp >= ?`, cutoff).Scan(&stats.TotalBottles); err != nil {
		return stats, fmt.Errorf("failed to count bottles: %w", err)
	}
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM defects WHERE timestamp >= ?`, cutoff).Scan(&stats.TotalDefects); err != nil {
		return stats, fmt.Errorf("failed to count defects: %w", err)
	}

	rows, err := c.db.Query(
		`SELECT defect_type, COUNT(*) FROM defects WHERE timestamp >= ? GROUP BY defect_type`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("failed to group defects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var defectType string
		var count int
		if err := rows.Scan(&defectType, &count); err != nil {
			return stats, fmt.Errorf("failed to scan defect group: %w", err)
		}
		stats.DefectsByType[defectType] = count
	}
	return stats, rows.Err()
}

// clearAllRecords deletes every row from both tables.
func (c *core) clearAllRecords() error {
	if _, err := c.db.Exec(`DELETE FROM defects`); err != nil {
		return fmt.Errorf("failed to clear defects: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM bottles`); err != nil {
		return fmt.Errorf("failed to clear bottles: %w", err)
	}
	return nil
}

func (c *core) close() error {
	return c.db.Close()
}
