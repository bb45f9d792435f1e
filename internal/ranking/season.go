package ranking

import (
	"fmt"
	"time"
)

// SeasonFor labels the quarter containing t, e.g. "2026-Q1".
func SeasonFor(t time.Time) string {
	t = t.UTC()
	quarter := (int(t.Month())-1)/3 + 1
	return fmt.Sprintf("%d-Q%d", t.Year(), quarter)
}
