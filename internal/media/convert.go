package media

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Converter produces JPEG copies of images providers cannot read.
type Converter struct {
	HeifConvert string // binary, "heif-convert" when empty
}

// ConvertedPath is where the JPEG copy of src is written under outDir.
func ConvertedPath(outDir, src string) string {
	return filepath.Join(outDir, "converted", derivedName(src)+".jpg")
}

// Convert writes a JPEG copy of src under outDir and returns its path. A
// copy newer than src is reused.
func (c *Converter) Convert(ctx context.Context, src, outDir string) (string, error) {
	dst := ConvertedPath(outDir, src)
	if upToDate(src, dst) {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	switch strings.ToLower(filepath.Ext(src)) {
	case ".heic", ".heif":
		cmd := exec.CommandContext(ctx, cmp.Or(c.HeifConvert, "heif-convert"), "-q", "90", src, dst)
		if output, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("heif-convert failed on %s: %w\nOutput: %s", src, err, output)
		}
	default:
		img, err := imaging.Open(src, imaging.AutoOrientation(true))
		if err != nil {
			return "", fmt.Errorf("decoding %s: %w", src, err)
		}
		if err := imaging.Save(img, dst, imaging.JPEGQuality(90)); err != nil {
			return "", fmt.Errorf("writing %s: %w", dst, err)
		}
	}
	return dst, nil
}

func upToDate(src, dst string) bool {
	si, err := os.Stat(src)
	if err != nil {
		return false
	}
	di, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return di.Size() > 0 && !di.ModTime().Before(si.ModTime())
}

// PrepareImage returns the bytes to upload for path: the file itself when
// it is a JPEG within maxDim, otherwise a JPEG re-encoding scaled to fit
// maxDim. maxDim <= 0 disables scaling.
func PrepareImage(path string, maxDim int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unrecognized image %s: %w", path, err)
	}
	fits := maxDim <= 0 || (cfg.Width <= maxDim && cfg.Height <= maxDim)
	if format == "jpeg" && fits {
		return data, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if !fits {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
