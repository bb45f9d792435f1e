package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Printer writes human output, or JSON when --json is set. Quiet mode keeps
// only errors.
type Printer struct {
	out     io.Writer
	errOut  io.Writer
	json    bool
	quiet   bool
	noColor bool
}

type Option func(*Printer)

func WithJSON(json bool) Option {
	return func(p *Printer) { p.json = json }
}

func WithQuiet(quiet bool) Option {
	return func(p *Printer) { p.quiet = quiet }
}

func WithNoColor(noColor bool) Option {
	return func(p *Printer) { p.noColor = noColor }
}

func WithOutput(out io.Writer) Option {
	return func(p *Printer) { p.out = out }
}

func WithErrOutput(errOut io.Writer) Option {
	return func(p *Printer) { p.errOut = errOut }
}

func New(opts ...Option) *Printer {
	p := &Printer{out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(p)
	}
	if p.noColor {
		color.NoColor = true
	}
	return p
}

var (
	successIcon = color.GreenString("✓")
	errorIcon   = color.RedString("✗")
	warnIcon    = color.YellowString("!")
	infoIcon    = color.CyanString("→")
)

func (p *Printer) IsJSON() bool  { return p.json }
func (p *Printer) IsQuiet() bool { return p.quiet }

func (p *Printer) silent() bool { return p.quiet || p.json }

func (p *Printer) Success(format string, args ...any) {
	if p.silent() {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", successIcon, fmt.Sprintf(format, args...))
}

func (p *Printer) Error(format string, args ...any) {
	if p.json {
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", errorIcon, fmt.Sprintf(format, args...))
}

func (p *Printer) Warn(format string, args ...any) {
	if p.silent() {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", warnIcon, fmt.Sprintf(format, args...))
}

func (p *Printer) Info(format string, args ...any) {
	if p.silent() {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", infoIcon, fmt.Sprintf(format, args...))
}

func (p *Printer) KeyValue(key, value string) {
	if p.silent() {
		return
	}
	fmt.Fprintf(p.out, "  %s: %s\n", color.HiBlackString(key), value)
}

func (p *Printer) Header(title string) {
	if p.silent() {
		return
	}
	fmt.Fprintf(p.out, "\n%s\n\n", color.New(color.Bold).Sprint(title))
}

func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Result prints v as JSON in JSON mode and calls human otherwise.
func (p *Printer) Result(v any, human func()) error {
	if p.json {
		return p.JSON(v)
	}
	if !p.quiet {
		human()
	}
	return nil
}

func (p *Printer) Table(headers []string) *Table {
	return NewTable(p.out, headers, p.silent())
}

// StateColor renders a video state in the color operators expect.
func StateColor(state string) string {
	switch state {
	case "processed":
		return color.GreenString(state)
	case "processing":
		return color.CyanString(state)
	case "error":
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}
