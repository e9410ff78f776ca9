// Package progress renders a live download progress bar and
// colorized status lines to the terminal.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Bar wraps a progressbar/v3 bar sized to a torrent's total block
// count, plus a rolling window for the throughput readout.
type Bar struct {
	bar     *progressbar.ProgressBar
	samples []sample
	window  time.Duration
}

type sample struct {
	bytes int64
	at    time.Time
}

// New creates a Bar titled name, sized to total units (blocks or bytes).
func New(name string, total int) *Bar {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 50
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(min(width/2, 50)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stdout) }),
	)

	return &Bar{bar: bar, window: 5 * time.Second}
}

// Add advances the bar by n units and records n bytes for the
// throughput window.
func (b *Bar) Add(n int, bytes int64) {
	b.bar.Add(n)

	now := time.Now()
	b.samples = append(b.samples, sample{bytes: bytes, at: now})
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// ThroughputMBps reports the recent download speed in MB/s, measured
// over the trailing window of samples.
func (b *Bar) ThroughputMBps() float64 {
	if len(b.samples) == 0 {
		return 0
	}

	var total int64
	for _, s := range b.samples {
		total += s.bytes
	}

	seconds := b.window.Seconds()
	if len(b.samples) > 1 {
		seconds = b.samples[len(b.samples)-1].at.Sub(b.samples[0].at).Seconds()
	}
	if seconds <= 0 {
		return 0
	}
	return float64(total) / seconds / (1024 * 1024)
}

// Finish marks the bar complete.
func (b *Bar) Finish() error { return b.bar.Finish() }

// Infof logs a colorized informational line.
func Infof(format string, args ...interface{}) {
	colorstring.Println("[green][INFO][reset]\t" + fmt.Sprintf(format, args...))
}

// Warnf logs a colorized warning line.
func Warnf(format string, args ...interface{}) {
	colorstring.Println("[yellow][FAIL][reset]\t" + fmt.Sprintf(format, args...))
}

// Errorf logs a colorized error line.
func Errorf(format string, args ...interface{}) {
	colorstring.Println("[red][ERROR][reset]\t" + fmt.Sprintf(format, args...))
}

