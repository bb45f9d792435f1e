package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ByteProgress is an io.Writer that advances a byte bar; tee an upload
// body through it.
type ByteProgress struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

func NewByteProgress(total int64, description string, quiet bool) *ByteProgress {
	p := &ByteProgress{out: os.Stderr}
	if quiet {
		return p
	}

	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[cyan]=[reset]",
			SaucerHead:    "[cyan]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return p
}

func (p *ByteProgress) Write(b []byte) (int, error) {
	if p.bar != nil {
		_ = p.bar.Add(len(b))
	}
	return len(b), nil
}

func (p *ByteProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Spinner shows activity for work of unknown length, such as a recompute.
type Spinner struct {
	bar     *progressbar.ProgressBar
	started time.Time
}

func NewSpinner(description string, quiet bool) *Spinner {
	s := &Spinner{started: time.Now()}
	if quiet {
		return s
	}
	s.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprint(os.Stderr, "\n")
		}),
	)
	return s
}

func (s *Spinner) Finish() time.Duration {
	if s.bar != nil {
		_ = s.bar.Finish()
	}
	return time.Since(s.started)
}
