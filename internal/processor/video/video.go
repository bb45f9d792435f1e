package video

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTranscodeFailed = errors.New("video: transcoding failed")
	ErrMetadataFailed  = errors.New("video: metadata read failed")
	ErrFFmpegNotFound  = errors.New("video: ffmpeg not found in PATH")
	ErrFFprobeNotFound = errors.New("video: ffprobe not found in PATH")
	ErrInvalidVideo    = errors.New("video: invalid or corrupted video file")
	ErrTimeout         = errors.New("video: transcode exceeded time limit")
)

// Transcoder trims, resizes and watermarks a local video file.
type Transcoder interface {
	// Transcode writes the normalized clip to outputPath. The caller owns
	// both paths and the directory they live in.
	Transcode(ctx context.Context, sourcePath, outputPath string, opts Options) (*Result, error)
	ReadMetadata(ctx context.Context, path string) (*Metadata, error)
}

type Options struct {
	MaxDurationSeconds int
	Width              int
	Height             int
	Watermark          bool
}

type Result struct {
	// Watermarked is false when the overlay was skipped or fell back to a
	// plain copy of the trimmed stream.
	Watermarked bool
	Elapsed     time.Duration
}

type Metadata struct {
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	VideoCodec string  `json:"video_codec"`
	HasAudio   bool    `json:"has_audio"`
	FileSize   int64   `json:"file_size"`
	Container  string  `json:"container"`
}

// DurationSeconds rounds to the nearest whole second.
func (m *Metadata) DurationSeconds() int {
	return int(m.Duration + 0.5)
}

type Config struct {
	FFmpegPath    string
	FFprobePath   string
	WatermarkPath string
	TempDir       string
	Preset        string
	CRF           int
	// Timeout bounds a single Transcode call, overlay included.
	Timeout time.Duration
	// WatermarkOffset is the overlay's distance from the top-left corner.
	WatermarkOffset int
}

func DefaultConfig() *Config {
	return &Config{
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		TempDir:         "/tmp/skillclips",
		Preset:          "medium",
		CRF:             23,
		Timeout:         250 * time.Second,
		WatermarkOffset: 10,
	}
}
