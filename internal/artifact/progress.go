package artifact

import (
	"fmt"
	"io"
	"sync"
	"time"

	units "github.com/docker/go-units"
)

// TerminalProgress returns a ProgressFunc that redraws a single status
// line on w, at most every interval. The final update is always drawn
// and ends the line.
func TerminalProgress(w io.Writer, interval time.Duration) ProgressFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)

	return func(done, total int64) {
		mu.Lock()
		defer mu.Unlock()

		finished := total >= 0 && done >= total
		now := time.Now()
		if !finished && now.Sub(last) < interval {
			return
		}
		last = now

		_, _ = fmt.Fprintf(w, "\r%s", FormatProgress(done, total))
		if finished {
			_, _ = fmt.Fprintln(w)
		}
	}
}

// FormatProgress renders transferred bytes, with the total and a
// percentage when the total is known.
func FormatProgress(done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("Downloaded %s", units.HumanSize(float64(done)))
	}
	pct := float64(done) * 100 / float64(total)
	return fmt.Sprintf("Downloaded %s / %s (%.1f%%)",
		units.HumanSize(float64(done)), units.HumanSize(float64(total)), pct)
}
