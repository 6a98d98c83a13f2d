package inspect

import (
	"fmt"

	"github.com/banshee-data/bottle.report/internal/track"
)

// Defect classifications reported by the detector. Anything other than
// DefectTypeGood is a loggable defect.
const (
	DefectTypeGood     = "good"
	DefectTypeLowWater = "low_water"
	DefectTypeNoCap    = "no_cap"
	DefectTypeNoLabel  = "no_label"
	DefectTypeUnknown  = "unknown"
)

// defectTypeByClass maps the detector's class indexes to defect names.
var defectTypeByClass = map[int]string{
	0: DefectTypeGood,
	1: DefectTypeLowWater,
	2: DefectTypeNoCap,
	3: DefectTypeNoLabel,
}

// DefectTypeForClass resolves a detector class index to a defect name.
// Unknown indexes resolve to DefectTypeUnknown.
func DefectTypeForClass(classID int) string {
	if name, ok := defectTypeByClass[classID]; ok {
		return name
	}
	return DefectTypeUnknown
}

// Observation is what the external detector reports for one object in one
// frame. TrackID is set only when the upstream detector performs its own
// tracking; when present it is used directly and the local tracker is skipped.
type Observation struct {
	BBox       track.BBox `json:"bbox"`
	Confidence float64    `json:"confidence"`
	DefectType string     `json:"defect_type"`
	TrackID    *int       `json:"track_id,omitempty"`
}

// Frame is one frame's worth of detector output. JPEG optionally carries the
// encoded frame image so defect crops can be saved.
type Frame struct {
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	JPEG         []byte        `json:"jpeg,omitempty"`
	Observations []Observation `json:"observations"`
}

// UnknownBottleID marks a detection that could not be matched to any track.
const UnknownBottleID = "UNKNOWN"

// Detection is an observation enriched by the pipeline: tracked identity,
// trigger flag, operator-facing display id, and whether a defect write
// happened this frame. Constructed fresh each frame and never persisted
// as-is; only derived records reach the store.
type Detection struct {
	BBox       track.BBox `json:"bbox"`
	Confidence float64    `json:"confidence"`
	DefectType string     `json:"defect_type"`
	TrackID    *int       `json:"track_id,omitempty"`
	BottleID   string     `json:"bottle_id"`
	OnTrigger  bool       `json:"on_trigger"`
	DisplayID  *string    `json:"display_id,omitempty"`
	Logged     bool       `json:"logged,omitempty"`
}

// DisplayIDOrFallback resolves the operator-facing id for a detection,
// preferring the assigned display id over the raw tracker-derived bottle id.
func (d Detection) DisplayIDOrFallback(fallback string) string {
	if d.DisplayID != nil && *d.DisplayID != "" {
		return *d.DisplayID
	}
	if d.BottleID != "" && d.BottleID != UnknownBottleID {
		return d.BottleID
	}
	return fallback
}

// MakeBottleKey builds the composite key used as bottles.bottle_key. Records
// keyed before a display id exists fall back to the track id.
func MakeBottleKey(sessionID string, displayID *string, trackID int) string {
	if displayID != nil && *displayID != "" {
		return fmt.Sprintf("%s:%s", sessionID, *displayID)
	}
	return fmt.Sprintf("%s:TRK_%d", sessionID, trackID)
}
