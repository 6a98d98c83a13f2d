// Package track implements centroid-based multi-object tracking for items
// moving along an inspection line. Each physical item observed across frames
// is assigned a stable integer track id; ids are monotonically increasing and
// never reused within a tracker lifetime.
package track

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Config holds tracker tuning parameters.
type Config struct {
	MaxDisappeared int     // Consecutive missed frames before a track is dropped
	MaxDistance    float64 // Maximum centroid distance for a frame-to-frame match
}

// DefaultConfig returns the default tracker parameters.
func DefaultConfig() Config {
	return Config{
		MaxDisappeared: 50,
		MaxDistance:    50,
	}
}

// BBox is an axis-aligned bounding box in pixel units.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Centroid returns the integer centre of the box.
func (b BBox) Centroid() Centroid {
	return Centroid{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Centroid is a 2D position in pixel units.
type Centroid struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func distance(a, b Centroid) float64 {
	return math.Hypot(float64(a.X-b.X), float64(a.Y-b.Y))
}

// Tracker associates per-frame detections with persistent track identities
// using greedy nearest-neighbour matching on centroids. It is not safe for
// concurrent use; the frame-processing goroutine owns it exclusively.
type Tracker struct {
	cfg    Config
	nextID int

	// Live tracks in insertion order. Iteration order matters for
	// deterministic matching, so ids are kept in a slice rather than
	// relying on map order.
	order       []int
	centroids   map[int]Centroid
	disappeared map[int]int
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:         cfg,
		centroids:   make(map[int]Centroid),
		disappeared: make(map[int]int),
	}
}

// register creates a new track for the centroid and returns its id.
func (t *Tracker) register(c Centroid) int {
	id := t.nextID
	t.nextID++
	t.order = append(t.order, id)
	t.centroids[id] = c
	t.disappeared[id] = 0
	return id
}

// deregister removes a track.
func (t *Tracker) deregister(id int) {
	delete(t.centroids, id)
	delete(t.disappeared, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// age increments a track's missed-frame counter and drops it once the counter
// exceeds MaxDisappeared.
func (t *Tracker) age(id int) {
	t.disappeared[id]++
	if t.disappeared[id] > t.cfg.MaxDisappeared {
		t.deregister(id)
	}
}

// Update consumes one frame's bounding boxes and returns the full set of live
// tracks with their current centroids. It must be called once per frame,
// including with an empty slice (which ages every track).
func (t *Tracker) Update(boxes []BBox) map[int]Centroid {
	if len(boxes) == 0 {
		for _, id := range append([]int(nil), t.order...) {
			t.age(id)
		}
		return t.snapshot()
	}

	inputs := make([]Centroid, len(boxes))
	for i, b := range boxes {
		inputs[i] = b.Centroid()
	}

	if len(t.order) == 0 {
		for _, c := range inputs {
			t.register(c)
		}
		return t.snapshot()
	}

	rows := len(t.order)
	cols := len(inputs)
	ids := append([]int(nil), t.order...)

	// Pairwise distance matrix: one row per existing track, one column per
	// input centroid.
	d := mat.NewDense(rows, cols, nil)
	for r, id := range ids {
		tc := t.centroids[id]
		for c := 0; c < cols; c++ {
			d.Set(r, c, distance(tc, inputs[c]))
		}
	}

	// Each row pairs with its globally nearest column. Rows are processed in
	// ascending order of that nearest distance; the stable sort keeps
	// insertion order on ties so assignment sequences are reproducible.
	rowMin := make([]float64, rows)
	rowArgMin := make([]int, rows)
	for r := 0; r < rows; r++ {
		best, bestCol := math.Inf(1), 0
		for c := 0; c < cols; c++ {
			if v := d.At(r, c); v < best {
				best, bestCol = v, c
			}
		}
		rowMin[r] = best
		rowArgMin[r] = bestCol
	}

	rowOrder := make([]int, rows)
	for i := range rowOrder {
		rowOrder[i] = i
	}
	sort.SliceStable(rowOrder, func(i, j int) bool {
		return rowMin[rowOrder[i]] < rowMin[rowOrder[j]]
	})

	usedRows := make(map[int]bool, rows)
	usedCols := make(map[int]bool, cols)
	for _, r := range rowOrder {
		c := rowArgMin[r]
		if usedRows[r] || usedCols[c] {
			continue
		}
		if d.At(r, c) > t.cfg.MaxDistance {
			continue
		}
		id := ids[r]
		t.centroids[id] = inputs[c]
		t.disappeared[id] = 0
		usedRows[r] = true
		usedCols[c] = true
	}

	if rows >= cols {
		for r := 0; r < rows; r++ {
			if !usedRows[r] {
				t.age(ids[r])
			}
		}
	} else {
		for c := 0; c < cols; c++ {
			if !usedCols[c] {
				t.register(inputs[c])
			}
		}
	}

	return t.snapshot()
}

// TrackNear returns the id of the live track whose centroid is closest to p,
// provided it lies within threshold. Used to re-associate a detection box
// with the identity assigned to it during the same Update call.
func (t *Tracker) TrackNear(p Centroid, threshold float64) (int, bool) {
	if len(t.order) == 0 {
		return 0, false
	}

	bestID := 0
	best := math.Inf(1)
	for _, id := range t.order {
		if v := distance(p, t.centroids[id]); v < best {
			best = v
			bestID = id
		}
	}
	if best > threshold {
		return 0, false
	}
	return bestID, true
}

// Disappeared reports the missed-frame count for a live track id.
func (t *Tracker) Disappeared(id int) (int, bool) {
	n, ok := t.disappeared[id]
	return n, ok
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	return len(t.order)
}

// Reset returns the tracker to its initial state, including the id counter.
// Called when the upstream frame source restarts from the beginning; callers
// must clear any track-keyed bookkeeping of their own at the same moment,
// since ids will be reassigned from zero.
func (t *Tracker) Reset() {
	t.nextID = 0
	t.order = nil
	t.centroids = make(map[int]Centroid)
	t.disappeared = make(map[int]int)
}

func (t *Tracker) snapshot() map[int]Centroid {
	out := make(map[int]Centroid, len(t.order))
	for _, id := range t.order {
		out[id] = t.centroids[id]
	}
	return out
}

// FormatBottleID renders a track id as the operator-facing bottle id string,
// e.g. BTL_00042.
func FormatBottleID(id int) string {
	return fmt.Sprintf("BTL_%05d", id)
}
