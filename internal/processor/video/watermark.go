package video

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// prepareWatermark loads the configured logo and shrinks it so it never
// covers more than a quarter of the target frame in either dimension. It
// returns "" with an error when no usable logo exists.
func (t *FFmpegTranscoder) prepareWatermark(workDir string, opts Options) (string, error) {
	if t.config.WatermarkPath == "" {
		return "", fmt.Errorf("no watermark configured")
	}
	if _, err := os.Stat(t.config.WatermarkPath); err != nil {
		return "", err
	}

	logo, err := imaging.Open(t.config.WatermarkPath)
	if err != nil {
		return "", fmt.Errorf("decode watermark: %w", err)
	}

	maxW, maxH := opts.Width/4, opts.Height/4
	b := logo.Bounds()
	if maxW > 0 && maxH > 0 && (b.Dx() > maxW || b.Dy() > maxH) {
		logo = imaging.Fit(logo, maxW, maxH, imaging.Lanczos)
	}

	path := filepath.Join(workDir, "watermark.png")
	if err := imaging.Save(logo, path); err != nil {
		return "", fmt.Errorf("write watermark: %w", err)
	}
	return path, nil
}
