package inspect

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"path/filepath"
	"time"

	"github.com/banshee-data/bottle.report/internal/fsutil"
	"github.com/banshee-data/bottle.report/internal/monitoring"
)

// cropPadding is added around the defect bounding box before cropping,
// clamped to the frame bounds.
const cropPadding = 20

// ImageWriter saves cropped defect images. Failures are non-fatal by design:
// a crop that cannot be written yields an empty path and a warning, and the
// defect record is persisted without an image reference.
type ImageWriter struct {
	fs  fsutil.FileSystem
	dir string
	now func() time.Time
}

// NewImageWriter creates a writer storing crops under dir, creating the
// directory if needed.
func NewImageWriter(fs fsutil.FileSystem, dir string) (*ImageWriter, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	return &ImageWriter{fs: fs, dir: dir, now: time.Now}, nil
}

// SaveDefectCrop writes a padded crop of the detection region and returns the
// saved path, or "" if the frame carries no image or the write fails.
func (w *ImageWriter) SaveDefectCrop(frame Frame, d Detection, bottleID string) string {
	if len(frame.JPEG) == 0 {
		return ""
	}

	img, err := jpeg.Decode(bytes.NewReader(frame.JPEG))
	if err != nil {
		monitoring.Logf("warning: failed to decode frame for defect crop: %v", err)
		return ""
	}

	bounds := img.Bounds()
	x1 := max(bounds.Min.X, d.BBox.X-cropPadding)
	y1 := max(bounds.Min.Y, d.BBox.Y-cropPadding)
	x2 := min(bounds.Max.X, d.BBox.X+d.BBox.W+cropPadding)
	y2 := min(bounds.Max.Y, d.BBox.Y+d.BBox.H+cropPadding)
	if x2 <= x1 || y2 <= y1 {
		monitoring.Logf("warning: defect bbox %+v outside frame bounds %v", d.BBox, bounds)
		return ""
	}

	rect := image.Rect(x1, y1, x2, y2)
	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, rect.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, crop, nil); err != nil {
		monitoring.Logf("warning: failed to encode defect crop: %v", err)
		return ""
	}

	name := fmt.Sprintf("%s_%s.jpg", bottleID, w.now().Format("20060102_150405"))
	path := filepath.Join(w.dir, name)
	if err := w.fs.WriteFile(path, buf.Bytes(), 0644); err != nil {
		monitoring.Logf("warning: failed to save defect image %s: %v", path, err)
		return ""
	}
	return path
}
