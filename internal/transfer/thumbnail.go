package transfer

import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
)

const thumbSize = 320

// Thumbnailer produces best-effort preview images for media sends.
type Thumbnailer struct {
	dir string
}

// NewThumbnailer uses dir for per-user thumbnail overrides named <user>.jpg.
func NewThumbnailer(dir string) *Thumbnailer {
	return &Thumbnailer{dir: dir}
}

// For returns a thumbnail path for payload, or "" when none can be made.
// Generated thumbnails are written into outDir.
func (t *Thumbnailer) For(userID int64, payload, outDir string) string {
	if t == nil {
		return ""
	}
	if t.dir != "" {
		custom := filepath.Join(t.dir, strconv.FormatInt(userID, 10)+".jpg")
		if info, err := os.Stat(custom); err == nil && !info.IsDir() {
			return custom
		}
	}

	img, err := imaging.Open(payload, imaging.AutoOrientation(true))
	if err != nil {
		return ""
	}
	img = imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)
	out := filepath.Join(outDir, "thumb.jpg")
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return ""
	}
	return out
}
