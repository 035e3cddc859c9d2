package cover

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxDimension bounds the larger side of a derivative.
	maxDimension = 500
	// jpegQuality is the fixed re-encode quality.
	jpegQuality = 80
	// derivativePrefix marks derived files and keeps their names
	// deterministic relative to the upload they came from.
	derivativePrefix = "optimized-"
)

// Derived describes a freshly written cover derivative. Path points
// into the deriver's work directory; the caller hands it to an image
// store for final placement.
type Derived struct {
	Path     string
	Filename string
}

// Deriver turns raw cover uploads into resized JPEG derivatives.
// It never touches the raw file: removal of the original is a separate
// phase that the caller schedules after the derivative is safely
// stored.
type Deriver struct {
	workDir string
}

// NewDeriver creates the work directory if missing.
func NewDeriver(workDir string) (*Deriver, error) {
	if strings.TrimSpace(workDir) == "" {
		return nil, fmt.Errorf("deriver work dir is required")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create deriver work dir: %w", err)
	}
	return &Deriver{workDir: workDir}, nil
}

// Derive decodes the raw upload, fits it into a 500px bounding box
// without upscaling, and re-encodes it as JPEG quality 80. The
// derivative is written to a temp file, synced, and renamed into its
// deterministic name before Derive returns, so a success means the
// bytes are durably on disk.
func (d *Deriver) Derive(rawPath string) (Derived, error) {
	img, err := imaging.Open(rawPath, imaging.AutoOrientation(true))
	if err != nil {
		return Derived{}, fmt.Errorf("decode %s: %w", filepath.Base(rawPath), err)
	}
	img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	filename := DerivativeName(rawPath)
	final := filepath.Join(d.workDir, filename)

	tmp, err := os.CreateTemp(d.workDir, filename+".*")
	if err != nil {
		return Derived{}, fmt.Errorf("create temp derivative: %w", err)
	}
	tmpName := tmp.Name()
	if err := encodeTo(tmp, img); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return Derived{}, fmt.Errorf("encode %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Derived{}, fmt.Errorf("close temp derivative: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return Derived{}, fmt.Errorf("finalize derivative: %w", err)
	}
	return Derived{Path: final, Filename: filename}, nil
}

func encodeTo(f *os.File, img image.Image) error {
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return err
	}
	return f.Sync()
}

// DerivativeName maps an upload filename to its derivative name.
func DerivativeName(rawPath string) string {
	base := filepath.Base(rawPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		base = "cover"
	}
	return derivativePrefix + base + ".jpg"
}
