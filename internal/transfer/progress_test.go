package transfer

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

func TestProgressReporterIsAmortized(t *testing.T) {
	rep := &messages{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProgressReporter(context.Background(), rep, "Downloading", 10*time.Second, 5)
	p.now = func() time.Time { return now }

	const total = 1000
	for done := int64(0); done <= total; done++ {
		p.Update(done, total)
	}
	// First report, one per 5% step, and the final one.
	if got := p.Sent(); got != 21 {
		t.Fatalf("expected 21 reports, got %d", got)
	}
	if rep.last() != "Downloading: 100.0% (1000 B of 1000 B)" {
		t.Fatalf("unexpected final report %q", rep.last())
	}
	p.Update(total, total)
	if p.Sent() != 21 {
		t.Fatalf("reports after completion must be dropped")
	}
}

func TestProgressReporterInterval(t *testing.T) {
	rep := &messages{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewProgressReporter(context.Background(), rep, "Uploading", 10*time.Second, 0)
	p.now = func() time.Time { return now }

	p.Update(1, 1000)
	p.Update(2, 1000)
	now = now.Add(11 * time.Second)
	p.Update(3, 1000)
	if p.Sent() != 2 {
		t.Fatalf("expected a report per interval, got %d", p.Sent())
	}
}

func TestThumbnailerScalesImages(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	if err := imaging.Save(imaging.New(1280, 640, color.NRGBA{R: 200, A: 255}), src); err != nil {
		t.Fatalf("write source: %v", err)
	}

	thumb := NewThumbnailer(filepath.Join(dir, "missing")).For(9, src, dir)
	if thumb == "" {
		t.Fatalf("expected a generated thumbnail")
	}
	img, err := imaging.Open(thumb)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 160 {
		t.Fatalf("expected 320x160, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestThumbnailerPrefersUserOverride(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "9.jpg")
	if err := os.WriteFile(custom, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	if got := NewThumbnailer(dir).For(9, filepath.Join(dir, "video.mp4"), dir); got != custom {
		t.Fatalf("expected override %s, got %q", custom, got)
	}
	if got := NewThumbnailer(dir).For(10, filepath.Join(dir, "video.mp4"), dir); got != "" {
		t.Fatalf("undecodable payload should yield no thumbnail, got %q", got)
	}
}
