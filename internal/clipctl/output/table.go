package output

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	quiet   bool
}

func NewTable(out io.Writer, headers []string, quiet bool) *Table {
	return &Table{out: out, headers: headers, quiet: quiet}
}

func (t *Table) Append(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render() {
	if t.quiet {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i < len(widths) && i < len(cells)-1 {
				parts[i] = cell + strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell))
			} else {
				parts[i] = cell
			}
		}
		fmt.Fprintln(t.out, strings.Join(parts, "  "))
	}

	printRow(t.headers)
	for _, row := range t.rows {
		printRow(row)
	}
}
