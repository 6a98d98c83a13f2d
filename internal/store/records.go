package store

import "time"

// Status is the pass/fail state of a bottle record.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Valid reports whether s is one of the two known statuses.
func (s Status) Valid() bool {
	return s == StatusPass || s == StatusFail
}

// BBox mirrors the four bounding-box columns stored with a defect.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// BottleRecord is one row per physical item that crossed the trigger line.
// BottleKey is the composite session+display key and is unique; re-inserting
// an existing key is an upsert that can only move status PASS -> FAIL.
type BottleRecord struct {
	ID            int64     `json:"id"`
	BottleKey     string    `json:"bottle_key"`
	DisplayID     *string   `json:"display_id,omitempty"`
	SessionID     string    `json:"session_id"`
	ProductionLot *string   `json:"production_lot,omitempty"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// DefectRecord is one row per logged defect, joined with its parent bottle.
type DefectRecord struct {
	ID            int64     `json:"id"`
	BottleKey     string    `json:"bottle_key"`
	DisplayID     *string   `json:"display_id,omitempty"`
	ProductionLot *string   `json:"production_lot,omitempty"`
	DefectType    string    `json:"defect_type"`
	Confidence    *float64  `json:"confidence,omitempty"`
	ImagePath     *string   `json:"image_path,omitempty"`
	BBox          *BBox     `json:"bbox,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DefectInsert carries the defect-specific fields of an insert. The parent
// bottle is upserted to FAIL as part of the same request.
type DefectInsert struct {
	DefectType    string
	Confidence    *float64
	ImagePath     *string
	ProductionLot *string
	BBox          *BBox
}

// DefectQuery filters a defect listing. Zero limit defaults to 100. Results
// are ordered most recent first.
type DefectQuery struct {
	Limit      int
	DefectType string
	StartTime  *time.Time
	EndTime    *time.Time
}

// Statistics summarises inspection results over a trailing time window.
type Statistics struct {
	TotalBottles  int            `json:"total_bottles"`
	TotalDefects  int            `json:"total_defects"`
	DefectsByType map[string]int `json:"defects_by_type"`
	WindowHours   int            `json:"window_hours"`
}
