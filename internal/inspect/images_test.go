package inspect

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/bottle.report/internal/fsutil"
	"github.com/banshee-data/bottle.report/internal/track"
)

// encodeTestJPEG produces a solid-colour JPEG of the given size.
func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newTestWriter(t *testing.T) (*ImageWriter, *fsutil.MemoryFileSystem) {
	t.Helper()
	fs := fsutil.NewMemoryFileSystem()
	w, err := NewImageWriter(fs, "defect_images")
	if err != nil {
		t.Fatalf("NewImageWriter failed: %v", err)
	}
	w.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	return w, fs
}

func TestSaveDefectCrop(t *testing.T) {
	w, fs := newTestWriter(t)

	frame := Frame{Width: 100, Height: 100, JPEG: encodeTestJPEG(t, 100, 100)}
	d := Detection{BBox: track.BBox{X: 40, Y: 40, W: 20, H: 20}, DefectType: DefectTypeNoCap}

	path := w.SaveDefectCrop(frame, d, "BTL_00007")
	if path == "" {
		t.Fatal("expected a saved crop path")
	}
	if want := filepath.Join("defect_images", "BTL_00007_20260314_092653.jpg"); path != want {
		t.Errorf("expected path %s, got %s", want, path)
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("crop not written: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("saved crop is not a jpeg: %v", err)
	}

	// 20x20 bbox plus 20px padding on each side.
	if b := img.Bounds(); b.Dx() != 60 || b.Dy() != 60 {
		t.Errorf("expected 60x60 crop, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestSaveDefectCropClampsToFrame(t *testing.T) {
	w, fs := newTestWriter(t)

	frame := Frame{Width: 100, Height: 100, JPEG: encodeTestJPEG(t, 100, 100)}
	d := Detection{BBox: track.BBox{X: 0, Y: 0, W: 10, H: 10}}

	path := w.SaveDefectCrop(frame, d, "BTL_00001")
	if path == "" {
		t.Fatal("expected a saved crop path")
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("crop not written: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("saved crop is not a jpeg: %v", err)
	}

	// Padding clamps at the frame origin: 0..30 in both axes.
	if b := img.Bounds(); b.Dx() != 30 || b.Dy() != 30 {
		t.Errorf("expected 30x30 crop, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestSaveDefectCropNoImage(t *testing.T) {
	w, fs := newTestWriter(t)

	d := Detection{BBox: track.BBox{X: 40, Y: 40, W: 20, H: 20}}
	if path := w.SaveDefectCrop(Frame{Width: 100, Height: 100}, d, "BTL_00001"); path != "" {
		t.Errorf("expected empty path without frame image, got %s", path)
	}
	if files := fs.Files(); len(files) != 0 {
		t.Errorf("expected no files written, got %v", files)
	}
}

func TestSaveDefectCropBadJPEG(t *testing.T) {
	w, _ := newTestWriter(t)

	frame := Frame{Width: 100, Height: 100, JPEG: []byte("not a jpeg")}
	d := Detection{BBox: track.BBox{X: 40, Y: 40, W: 20, H: 20}}
	if path := w.SaveDefectCrop(frame, d, "BTL_00001"); path != "" {
		t.Errorf("expected empty path for undecodable frame, got %s", path)
	}
}

func TestSaveDefectCropBBoxOutsideFrame(t *testing.T) {
	w, _ := newTestWriter(t)

	frame := Frame{Width: 100, Height: 100, JPEG: encodeTestJPEG(t, 100, 100)}
	d := Detection{BBox: track.BBox{X: 500, Y: 500, W: 20, H: 20}}
	if path := w.SaveDefectCrop(frame, d, "BTL_00001"); path != "" {
		t.Errorf("expected empty path for out-of-frame bbox, got %s", path)
	}
}

type failWriteFS struct {
	fsutil.FileSystem
}

func (failWriteFS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return &os.PathError{Op: "write", Path: name, Err: os.ErrPermission}
}

func TestSaveDefectCropWriteFailureNonFatal(t *testing.T) {
	fs := failWriteFS{fsutil.NewMemoryFileSystem()}
	w, err := NewImageWriter(fs, "defect_images")
	if err != nil {
		t.Fatalf("NewImageWriter failed: %v", err)
	}

	frame := Frame{Width: 100, Height: 100, JPEG: encodeTestJPEG(t, 100, 100)}
	d := Detection{BBox: track.BBox{X: 40, Y: 40, W: 20, H: 20}}
	if path := w.SaveDefectCrop(frame, d, "BTL_00001"); path != "" {
		t.Errorf("expected empty path when the write fails, got %s", path)
	}
}

func TestCropFileNameCarriesBottleID(t *testing.T) {
	w, fs := newTestWriter(t)

	frame := Frame{Width: 100, Height: 100, JPEG: encodeTestJPEG(t, 100, 100)}
	d := Detection{BBox: track.BBox{X: 40, Y: 40, W: 20, H: 20}}
	w.SaveDefectCrop(frame, d, "BTL_00042")

	files := fs.Files()
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if !strings.HasPrefix(filepath.Base(files[0]), "BTL_00042_") {
		t.Errorf("expected file name prefixed with bottle id, got %s", files[0])
	}
}
