// Package progress reports how many documents have been indexed.
package progress

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Reporter is told the running document count after every flushed batch.
// final is true for the flush at end of stream.
type Reporter interface {
	Report(count int, final bool)
	Close() error
}

// Lines prints one plain line per batch:
//
//	Indexed 1000 documents. 0.0857888...%
//	Indexed 1165654 documents.
type Lines struct {
	w     io.Writer
	total int
}

// NewLines reports to w, computing percentages against total. A zero total
// omits the percentage.
func NewLines(w io.Writer, total int) *Lines {
	return &Lines{w: w, total: total}
}

// Report implements Reporter.
func (l *Lines) Report(count int, final bool) {
	if final || l.total <= 0 {
		fmt.Fprintf(l.w, "Indexed %d documents.\n", count)
		return
	}
	pct := 100.0 * float64(count) / float64(l.total)
	fmt.Fprintf(l.w, "Indexed %d documents. %s%%\n", count, formatPercent(pct))
}

// formatPercent prints the shortest exact decimal, always with a fraction.
func formatPercent(pct float64) string {
	s := strconv.FormatFloat(pct, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Close implements Reporter.
func (l *Lines) Close() error { return nil }

// Bar renders an interactive progress bar.
type Bar struct {
	bar   *progressbar.ProgressBar
	start time.Time
	total int
}

// NewBar draws to w. A zero total renders a spinner.
func NewBar(w io.Writer, total int) *Bar {
	max := total
	if max <= 0 {
		max = -1
	}
	bar := progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
	return &Bar{bar: bar, start: time.Now(), total: total}
}

// Report implements Reporter.
func (b *Bar) Report(count int, final bool) {
	_ = b.bar.Set(count)

	if b.total > 0 && count > 0 && !final {
		rate := float64(count) / time.Since(b.start).Seconds()
		if rate > 0 {
			eta := time.Duration(float64(b.total-count)/rate) * time.Second
			b.bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] ETA: %s", formatDuration(eta)))
		}
	}
}

// Close finishes the bar.
func (b *Bar) Close() error {
	return b.bar.Finish()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
