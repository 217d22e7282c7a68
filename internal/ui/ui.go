// Package ui renders download progress to the terminal: a live bar
// driven by the piece store's completion count, and a colored one-line
// summary once the transfer finishes.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Progress is a snapshot of a torrent's current download state, handed
// to the renderer once per tick by the App.
type Progress struct {
	Name            string
	PiecesHave      int
	PiecesTotal     int
	BytesDownloaded uint64
	TotalBytes      uint64
	PeerCount       int
	DownloadBps     float64
}

// Bar wraps a schollz/progressbar/v3 bar sized to the terminal width.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar constructs a progress bar for a torrent with the given piece
// count. Output goes to stderr so it never interleaves with anything
// a caller pipes from stdout.
func NewBar(name string, totalPieces int) *Bar {
	width, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}

	bar := progressbar.NewOptions(totalPieces,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(clampWidth(width)),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	return &Bar{bar: bar}
}

func clampWidth(terminalWidth int) int {
	w := terminalWidth - 40
	if w < 10 {
		return 10
	}
	if w > 80 {
		return 80
	}
	return w
}

// Update sets the bar to the given snapshot's piece count.
func (b *Bar) Update(p Progress) {
	b.bar.Describe(fmt.Sprintf("%s [%d peers, %.1f KB/s]", p.Name, p.PeerCount, p.DownloadBps/8/1024))
	b.bar.Set(p.PiecesHave)
}

// Finish prints a colored completion line and closes the bar out at
// 100%.
func (b *Bar) Finish(p Progress) {
	b.bar.Finish()
	fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf(
		"[green]download complete:[reset] %s (%d/%d pieces, %s)",
		p.Name, p.PiecesHave, p.PiecesTotal, humanizeBytes(p.TotalBytes),
	)))
}

// Failed prints a colored failure line.
func Failed(name string, err error) {
	fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf(
		"[red]download failed:[reset] %s: %v", name, err,
	)))
}

func humanizeBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for x := n / unit; x >= unit; x /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
