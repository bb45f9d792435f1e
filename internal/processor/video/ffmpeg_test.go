package video

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

func skipIfNoFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not available, skipping test")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not available, skipping test")
	}
}

// makeSourceVideo renders a synthetic clip with ffmpeg's test source.
func makeSourceVideo(t *testing.T, dir string, seconds int, size string) string {
	t.Helper()
	path := filepath.Join(dir, "source.mp4")
	cmd := exec.Command("ffmpeg", "-y",
		"-f", "lavfi", "-i", "testsrc=duration="+strconv.Itoa(seconds)+":size="+size+":rate=10",
		"-f", "lavfi", "-i", "sine=duration="+strconv.Itoa(seconds),
		"-c:v", "libx264", "-preset", "ultrafast", "-c:a", "aac", "-shortest", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Skipf("cannot render test source: %v: %s", err, out)
	}
	return path
}

func writeLogo(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 255, A: 200})
	path := filepath.Join(dir, "logo.png")
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save logo: %v", err)
	}
	return path
}

func TestBuildTrimArgs(t *testing.T) {
	cfg := DefaultConfig()
	args := buildTrimArgs(cfg, "in.mp4", "out.mp4", Options{MaxDurationSeconds: 30, Width: 1280, Height: 720})
	got := strings.Join(args, " ")

	for _, want := range []string{"-t 30", "-s 1280x720", "-an", "-c:v libx264", "-preset medium", "-crf 23"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Errorf("last arg = %q, want output path", args[len(args)-1])
	}
}

func TestBuildTrimArgs_NoLimits(t *testing.T) {
	got := strings.Join(buildTrimArgs(DefaultConfig(), "in.mp4", "out.mp4", Options{}), " ")
	if strings.Contains(got, "-t ") || strings.Contains(got, "-s ") {
		t.Errorf("args %q should not trim or scale", got)
	}
}

func TestBuildOverlayArgs(t *testing.T) {
	got := strings.Join(buildOverlayArgs(DefaultConfig(), "trim.mp4", "logo.png", "out.mp4"), " ")
	if !strings.Contains(got, "-i trim.mp4 -i logo.png") {
		t.Errorf("args %q missing both inputs", got)
	}
	if !strings.Contains(got, "overlay=10:10") {
		t.Errorf("args %q missing overlay offset", got)
	}
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Metadata
		wantErr error
	}{
		{
			name: "video with audio",
			input: `{"streams":[{"codec_type":"video","codec_name":"h264","width":1280,"height":720},
				{"codec_type":"audio","codec_name":"aac"}],
				"format":{"duration":"29.97","size":"1048576","format_name":"mov,mp4,m4a"}}`,
			want: Metadata{Duration: 29.97, Width: 1280, Height: 720, VideoCodec: "h264", HasAudio: true, FileSize: 1048576, Container: "mov"},
		},
		{
			name:    "audio only",
			input:   `{"streams":[{"codec_type":"audio","codec_name":"aac"}],"format":{"duration":"3"}}`,
			wantErr: ErrInvalidVideo,
		},
		{
			name:    "garbage",
			input:   `not json`,
			wantErr: ErrMetadataFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMetadata([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("parseMetadata() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && *got != tt.want {
				t.Errorf("parseMetadata() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestMetadata_DurationSeconds(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{{29.97, 30}, {30.0, 30}, {0.2, 0}, {12.5, 13}}
	for _, tt := range tests {
		m := Metadata{Duration: tt.in}
		if got := m.DurationSeconds(); got != tt.want {
			t.Errorf("DurationSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPrepareWatermark(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		tr := &FFmpegTranscoder{config: &Config{WatermarkPath: filepath.Join(dir, "nope.png")}}
		if path, err := tr.prepareWatermark(dir, Options{Width: 1280, Height: 720}); err == nil || path != "" {
			t.Errorf("prepareWatermark() = %q, %v; want error", path, err)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		tr := &FFmpegTranscoder{config: &Config{}}
		if _, err := tr.prepareWatermark(dir, Options{}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("oversized logo is fitted", func(t *testing.T) {
		logo := writeLogo(t, dir, 1000, 500)
		tr := &FFmpegTranscoder{config: &Config{WatermarkPath: logo}}
		path, err := tr.prepareWatermark(dir, Options{Width: 1280, Height: 720})
		if err != nil {
			t.Fatalf("prepareWatermark() error = %v", err)
		}
		img, err := imaging.Open(path)
		if err != nil {
			t.Fatalf("open prepared logo: %v", err)
		}
		if b := img.Bounds(); b.Dx() > 320 || b.Dy() > 180 {
			t.Errorf("prepared logo %v exceeds 320x180", b)
		}
	})

	t.Run("small logo unchanged", func(t *testing.T) {
		logo := writeLogo(t, dir, 64, 32)
		tr := &FFmpegTranscoder{config: &Config{WatermarkPath: logo}}
		path, err := tr.prepareWatermark(dir, Options{Width: 1280, Height: 720})
		if err != nil {
			t.Fatalf("prepareWatermark() error = %v", err)
		}
		img, _ := imaging.Open(path)
		if img.Bounds() != image.Rect(0, 0, 64, 32) {
			t.Errorf("bounds = %v, want 64x32", img.Bounds())
		}
	})
}

func TestFFmpegTranscoder_Transcode(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	source := makeSourceVideo(t, dir, 35, "1920x1080")

	tests := []struct {
		name            string
		watermarkPath   string
		wantWatermarked bool
	}{
		{"with watermark", writeLogo(t, dir, 200, 100), true},
		{"missing watermark falls back", filepath.Join(dir, "absent.png"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Preset = "ultrafast"
			cfg.WatermarkPath = tt.watermarkPath
			tr, err := NewFFmpegTranscoder(cfg)
			if err != nil {
				t.Fatalf("NewFFmpegTranscoder() error = %v", err)
			}

			work := t.TempDir()
			out := filepath.Join(work, "out.mp4")
			res, err := tr.Transcode(context.Background(), source, out, Options{
				MaxDurationSeconds: 30, Width: 1280, Height: 720, Watermark: true,
			})
			if err != nil {
				t.Fatalf("Transcode() error = %v", err)
			}
			if res.Watermarked != tt.wantWatermarked {
				t.Errorf("Watermarked = %v, want %v", res.Watermarked, tt.wantWatermarked)
			}

			md, err := tr.ReadMetadata(context.Background(), out)
			if err != nil {
				t.Fatalf("ReadMetadata() error = %v", err)
			}
			if md.Width != 1280 || md.Height != 720 {
				t.Errorf("resolution = %dx%d, want 1280x720", md.Width, md.Height)
			}
			if md.DurationSeconds() != 30 {
				t.Errorf("duration = %v, want 30", md.Duration)
			}
			if md.HasAudio {
				t.Error("output should have no audio")
			}
			if _, err := os.Stat(filepath.Join(work, "trimmed.mp4")); !os.IsNotExist(err) {
				t.Error("intermediate trimmed file left behind")
			}
		})
	}
}

func TestFFmpegTranscoder_Timeout(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	source := makeSourceVideo(t, dir, 5, "640x360")

	cfg := DefaultConfig()
	cfg.Timeout = time.Nanosecond
	tr, err := NewFFmpegTranscoder(cfg)
	if err != nil {
		t.Fatalf("NewFFmpegTranscoder() error = %v", err)
	}

	_, err = tr.Transcode(context.Background(), source, filepath.Join(dir, "out.mp4"), Options{MaxDurationSeconds: 30})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Transcode() error = %v, want ErrTimeout", err)
	}
}

func TestFFmpegTranscoder_InvalidSource(t *testing.T) {
	skipIfNoFFmpeg(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.mp4")
	if err := os.WriteFile(bad, []byte("not a video"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err := NewFFmpegTranscoder(nil)
	if err != nil {
		t.Fatalf("NewFFmpegTranscoder() error = %v", err)
	}
	_, err = tr.Transcode(context.Background(), bad, filepath.Join(dir, "out.mp4"), Options{MaxDurationSeconds: 30})
	if !errors.Is(err, ErrTranscodeFailed) {
		t.Errorf("Transcode() error = %v, want ErrTranscodeFailed", err)
	}
}

func TestNewFFmpegTranscoder_MissingBinary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FFmpegPath = "/nonexistent/ffmpeg"
	if _, err := NewFFmpegTranscoder(cfg); !errors.Is(err, ErrFFmpegNotFound) {
		t.Errorf("error = %v, want ErrFFmpegNotFound", err)
	}
}
