// Package inspect orchestrates one frame's worth of inspection work: it
// layers trigger classification, operator-facing display numbering, and
// exactly-once counting and defect logging on top of the tracker's stable
// identities, writing derived records through the persistent store facade.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/bottle.report/internal/store"
	"github.com/banshee-data/bottle.report/internal/track"
)

var (
	// ErrInvalidFrame is returned for malformed frame input. No state is
	// mutated when it is returned.
	ErrInvalidFrame = errors.New("inspect: invalid frame")

	// ErrSessionNotStarted is returned when a frame would require
	// session-scoped work (numbering, counting, logging) before
	// StartSession has been called.
	ErrSessionNotStarted = errors.New("inspect: session not started")
)

// fpsWindow is the number of frame intervals averaged for the FPS estimate.
const fpsWindow = 30

// RecordStore is the slice of the store facade the pipeline writes through.
type RecordStore interface {
	InsertBottle(ctx context.Context, key string, displayID *string, sessionID string, lot *string, status store.Status) (int64, error)
	InsertDefect(ctx context.Context, key string, displayID *string, sessionID string, d store.DefectInsert) (int64, error)
}

// Config holds pipeline tuning parameters.
type Config struct {
	// TriggerX is the x position of the inspection line. Zero means the
	// frame's horizontal midpoint.
	TriggerX int

	// TriggerTolerance is the half-width of the trigger band in pixels. An
	// item is inspected on the frame where its centroid lands within the
	// band; the band must be wide enough that an item cannot skip across it
	// between consecutive frames at line speed.
	TriggerTolerance int

	// TrackNearThreshold is the maximum distance when re-associating a
	// detection box with the identity assigned during the same tracker
	// update.
	TrackNearThreshold float64

	// Tracker configures the embedded centroid tracker.
	Tracker track.Config

	// ProductionLot, when set, is stamped on every persisted record.
	ProductionLot *string
}

// DefaultConfig returns production-default pipeline parameters.
func DefaultConfig() Config {
	return Config{
		TriggerTolerance:   15,
		TrackNearThreshold: 50,
		Tracker: track.Config{
			MaxDisappeared: 30,
			MaxDistance:    50,
		},
	}
}

// Snapshot is a read-only copy of the pipeline's live statistics, safe to
// hand to other goroutines.
type Snapshot struct {
	SessionID      string  `json:"session_id"`
	FPS            float64 `json:"fps"`
	TotalInspected int     `json:"total_inspected"`
	TotalDefects   int     `json:"total_defects"`
	DefectRate     float64 `json:"defect_rate"`
}

// Pipeline owns all per-session inspection state. The frame-producing
// goroutine drives ProcessFrame; other goroutines may only call the
// snapshot and lifecycle methods, which take the same lock.
type Pipeline struct {
	cfg     Config
	tracker *track.Tracker
	records RecordStore
	images  *ImageWriter // nil disables defect crops

	mu sync.Mutex

	// Session state. sessionID is empty until StartSession.
	sessionID            string
	nextDisplayNumber    int
	displayNumberByTrack map[int]int
	countedTracks        map[int]struct{}
	loggedTracks         map[int]struct{}
	totalInspected       int
	totalDefects         int

	// FPS accounting over the last fpsWindow frames.
	fpsSamples []float64
	lastFrame  time.Time
	now        func() time.Time
}

// NewPipeline creates a pipeline writing through records. images may be nil
// to disable defect image crops.
func NewPipeline(cfg Config, records RecordStore, images *ImageWriter) *Pipeline {
	return &Pipeline{
		cfg:                  cfg,
		tracker:              track.NewTracker(cfg.Tracker),
		records:              records,
		images:               images,
		nextDisplayNumber:    1,
		displayNumberByTrack: make(map[int]int),
		countedTracks:        make(map[int]struct{}),
		loggedTracks:         make(map[int]struct{}),
		now:                  time.Now,
	}
}

// StartSession begins a new inspection session: fresh session id, zeroed
// totals, cleared dedup ledgers and display numbering. Returns the new
// session id.
func (p *Pipeline) StartSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sessionID = uuid.NewString()
	p.nextDisplayNumber = 1
	p.displayNumberByTrack = make(map[int]int)
	p.countedTracks = make(map[int]struct{})
	p.loggedTracks = make(map[int]struct{})
	p.totalInspected = 0
	p.totalDefects = 0
	return p.sessionID
}

// ResetTracking clears track-keyed state only: the dedup ledgers, the display
// id map, and the tracker itself. Session id and the display counter are
// untouched, so operator-facing numbering stays continuous across a restart
// of the frame source within one session. Idempotent.
func (p *Pipeline) ResetTracking() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Track ids are about to be reassigned from zero, so every track-keyed
	// entry is stale.
	p.displayNumberByTrack = make(map[int]int)
	p.countedTracks = make(map[int]struct{})
	p.loggedTracks = make(map[int]struct{})
	p.tracker.Reset()
}

// SessionID returns the current session id, or "" before StartSession.
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Stats returns a copy of the live statistics.
func (p *Pipeline) Stats() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		SessionID:      p.sessionID,
		FPS:            p.fps(),
		TotalInspected: p.totalInspected,
		TotalDefects:   p.totalDefects,
	}
	if p.totalInspected > 0 {
		s.DefectRate = float64(p.totalDefects) / float64(p.totalInspected)
	}
	return s
}

// ProcessFrame consumes one frame of detector output and returns the frame's
// enriched detections. Counting and defect logging happen as side effects,
// exactly once per track per session. Storage errors are returned to the
// caller; the dedup ledgers only gain an entry after a successful write, so
// a failed write is retried on the item's next trigger-positive frame.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame Frame) ([]Detection, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, frame.Width, frame.Height)
	}
	for i, o := range frame.Observations {
		if o.BBox.W <= 0 || o.BBox.H <= 0 {
			return nil, fmt.Errorf("%w: observation %d has empty bbox", ErrInvalidFrame, i)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID == "" {
		return nil, ErrSessionNotStarted
	}

	detections := p.runTracking(frame)
	p.classifyTrigger(frame, detections)
	p.assignDisplayIDs(detections)

	if err := p.countInspected(ctx, detections); err != nil {
		return detections, err
	}
	if err := p.logDefects(ctx, frame, detections); err != nil {
		return detections, err
	}

	p.observeFrameTime()
	return detections, nil
}

// runTracking assigns a stable identity to each observation, either from the
// upstream detector's own tracking or from the embedded centroid tracker.
func (p *Pipeline) runTracking(frame Frame) []Detection {
	detections := make([]Detection, len(frame.Observations))

	upstream := len(frame.Observations) > 0
	for _, o := range frame.Observations {
		if o.TrackID == nil {
			upstream = false
			break
		}
	}

	if upstream {
		for i, o := range frame.Observations {
			id := *o.TrackID
			detections[i] = Detection{
				BBox:       o.BBox,
				Confidence: o.Confidence,
				DefectType: o.DefectType,
				TrackID:    &id,
				BottleID:   track.FormatBottleID(id),
			}
		}
		return detections
	}

	boxes := make([]track.BBox, len(frame.Observations))
	for i, o := range frame.Observations {
		boxes[i] = o.BBox
	}
	p.tracker.Update(boxes)

	for i, o := range frame.Observations {
		detections[i] = Detection{
			BBox:       o.BBox,
			Confidence: o.Confidence,
			DefectType: o.DefectType,
			BottleID:   UnknownBottleID,
		}
		if id, ok := p.tracker.TrackNear(o.BBox.Centroid(), p.cfg.TrackNearThreshold); ok {
			tid := id
			detections[i].TrackID = &tid
			detections[i].BottleID = track.FormatBottleID(id)
		}
	}
	return detections
}

// classifyTrigger flags every detection whose centroid x lies within the
// trigger band. The flag, not frame timing, is the sole gate for counting
// and logging.
func (p *Pipeline) classifyTrigger(frame Frame, detections []Detection) {
	triggerX := p.cfg.TriggerX
	if triggerX <= 0 {
		triggerX = frame.Width / 2
	}

	for i := range detections {
		cx := detections[i].BBox.Centroid().X
		diff := cx - triggerX
		if diff < 0 {
			diff = -diff
		}
		detections[i].OnTrigger = diff <= p.cfg.TriggerTolerance
	}
}

// assignDisplayIDs gives a track its operator-facing sequential number on its
// first trigger-positive frame and reuses it afterwards. Tracks that never
// cross the trigger never receive one.
func (p *Pipeline) assignDisplayIDs(detections []Detection) {
	for i := range detections {
		d := &detections[i]
		if d.TrackID == nil {
			continue
		}

		if n, ok := p.displayNumberByTrack[*d.TrackID]; ok {
			display := track.FormatBottleID(n)
			d.DisplayID = &display
			continue
		}
		if !d.OnTrigger {
			continue
		}

		n := p.nextDisplayNumber
		p.nextDisplayNumber++
		p.displayNumberByTrack[*d.TrackID] = n
		display := track.FormatBottleID(n)
		d.DisplayID = &display
	}
}

// countInspected writes a PASS record the first time a track is seen on the
// trigger with a display id assigned.
func (p *Pipeline) countInspected(ctx context.Context, detections []Detection) error {
	for i := range detections {
		d := &detections[i]
		if !d.OnTrigger || d.TrackID == nil || d.DisplayID == nil {
			continue
		}
		if _, done := p.countedTracks[*d.TrackID]; done {
			continue
		}

		key := MakeBottleKey(p.sessionID, d.DisplayID, *d.TrackID)
		_, err := p.records.InsertBottle(ctx, key, d.DisplayID, p.sessionID, p.cfg.ProductionLot, store.StatusPass)
		if err != nil {
			return fmt.Errorf("failed to record inspected bottle %s: %w", key, err)
		}

		p.countedTracks[*d.TrackID] = struct{}{}
		p.totalInspected++
	}
	return nil
}

// logDefects writes one defect record per defective track, on its first
// trigger-positive defective frame. The crop write is best-effort; a missing
// image never blocks the defect record.
func (p *Pipeline) logDefects(ctx context.Context, frame Frame, detections []Detection) error {
	for i := range detections {
		d := &detections[i]
		if !d.OnTrigger || d.TrackID == nil {
			continue
		}
		if d.DefectType == "" || d.DefectType == DefectTypeGood {
			continue
		}
		if _, done := p.loggedTracks[*d.TrackID]; done {
			continue
		}

		var imagePath *string
		if p.images != nil {
			if path := p.images.SaveDefectCrop(frame, *d, d.BottleID); path != "" {
				imagePath = &path
			}
		}

		key := MakeBottleKey(p.sessionID, d.DisplayID, *d.TrackID)
		confidence := d.Confidence
		_, err := p.records.InsertDefect(ctx, key, d.DisplayID, p.sessionID, store.DefectInsert{
			DefectType:    d.DefectType,
			Confidence:    &confidence,
			ImagePath:     imagePath,
			ProductionLot: p.cfg.ProductionLot,
			BBox:          &store.BBox{X: d.BBox.X, Y: d.BBox.Y, W: d.BBox.W, H: d.BBox.H},
		})
		if err != nil {
			return fmt.Errorf("failed to record defect for %s: %w", key, err)
		}

		p.loggedTracks[*d.TrackID] = struct{}{}
		p.totalDefects++
		d.Logged = true
	}
	return nil
}

// observeFrameTime records the interval since the previous frame for the FPS
// estimate.
func (p *Pipeline) observeFrameTime() {
	now := p.now()
	if !p.lastFrame.IsZero() {
		if dt := now.Sub(p.lastFrame).Seconds(); dt > 0 {
			p.fpsSamples = append(p.fpsSamples, 1.0/dt)
			if len(p.fpsSamples) > fpsWindow {
				p.fpsSamples = p.fpsSamples[1:]
			}
		}
	}
	p.lastFrame = now
}

func (p *Pipeline) fps() float64 {
	if len(p.fpsSamples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.fpsSamples {
		sum += v
	}
	return sum / float64(len(p.fpsSamples))
}
