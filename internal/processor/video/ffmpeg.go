package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/skillclips/internal/logger"
)

type FFmpegTranscoder struct {
	config *Config
}

var _ Transcoder = (*FFmpegTranscoder)(nil)

func NewFFmpegTranscoder(cfg *Config) (*FFmpegTranscoder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}
	if _, err := exec.LookPath(cfg.FFprobePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFprobeNotFound, err)
	}

	return &FFmpegTranscoder{config: cfg}, nil
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, sourcePath, outputPath string, opts Options) (*Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	workDir := filepath.Dir(outputPath)
	trimmedPath := filepath.Join(workDir, "trimmed.mp4")
	defer func() { _ = os.Remove(trimmedPath) }()

	if err := t.run(ctx, buildTrimArgs(t.config, sourcePath, trimmedPath, opts)); err != nil {
		return nil, err
	}

	result := &Result{}
	logoPath := ""
	if opts.Watermark {
		var err error
		logoPath, err = t.prepareWatermark(workDir, opts)
		if err != nil {
			log.Warn("watermark unavailable, skipping overlay", "path", t.config.WatermarkPath, "error", err)
		}
	}

	if logoPath != "" {
		err := t.run(ctx, buildOverlayArgs(t.config, trimmedPath, logoPath, outputPath))
		if err == nil {
			result.Watermarked = true
		} else if ctx.Err() != nil {
			return nil, err
		} else {
			log.Warn("watermark overlay failed, using trimmed stream", "error", err)
		}
	}

	if !result.Watermarked {
		if err := copyFile(trimmedPath, outputPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
		}
	}

	result.Elapsed = time.Since(start)
	log.Debug("transcode completed",
		"source", sourcePath,
		"watermarked", result.Watermarked,
		"duration_ms", result.Elapsed.Milliseconds(),
	)
	return result, nil
}

func (t *FFmpegTranscoder) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, t.config.Timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: ffmpeg failed: %v, output: %s", ErrTranscodeFailed, err, tail(output, 2048))
}

func buildTrimArgs(cfg *Config, inputPath, outputPath string, opts Options) []string {
	args := []string{"-y", "-i", inputPath}
	if opts.MaxDurationSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(opts.MaxDurationSeconds))
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
	}
	args = append(args,
		"-an",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-movflags", "+faststart",
		outputPath,
	)
	return args
}

func buildOverlayArgs(cfg *Config, inputPath, logoPath, outputPath string) []string {
	offset := strconv.Itoa(cfg.WatermarkOffset)
	return []string{
		"-y",
		"-i", inputPath,
		"-i", logoPath,
		"-filter_complex", "overlay=" + offset + ":" + offset,
		"-an",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-movflags", "+faststart",
		outputPath,
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		Name     string `json:"format_name"`
	} `json:"format"`
}

func (t *FFmpegTranscoder) ReadMetadata(ctx context.Context, path string) (*Metadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	output, err := exec.CommandContext(ctx, t.config.FFprobePath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataFailed, err)
	}
	return parseMetadata(output)
}

func parseMetadata(output []byte) (*Metadata, error) {
	var info ffprobeOutput
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("%w: parse output: %v", ErrMetadataFailed, err)
	}

	md := &Metadata{}
	if info.Format.Duration != "" {
		if d, err := strconv.ParseFloat(info.Format.Duration, 64); err == nil {
			md.Duration = d
		}
	}
	if info.Format.Size != "" {
		if s, err := strconv.ParseInt(info.Format.Size, 10, 64); err == nil {
			md.FileSize = s
		}
	}
	md.Container = strings.Split(info.Format.Name, ",")[0]

	for _, stream := range info.Streams {
		switch stream.CodecType {
		case "video":
			if md.VideoCodec == "" {
				md.VideoCodec = stream.CodecName
				md.Width = stream.Width
				md.Height = stream.Height
			}
		case "audio":
			md.HasAudio = true
		}
	}

	if md.VideoCodec == "" {
		return nil, fmt.Errorf("%w: no video stream", ErrInvalidVideo)
	}
	return md, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
