package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DownloadView is what the status line shows.
type DownloadView struct {
	SaveTo      string
	CurrentFile string
	Stats       Stats
	Paused      bool
}

const (
	colorReset  = "\033[0m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a character device. Writers that wrap a
// file expose it with a File method.
func IsTTY(w io.Writer) bool {
	var f *os.File
	switch v := w.(type) {
	case *os.File:
		f = v
	case interface{ File() *os.File }:
		f = v.File()
	default:
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderDownload redraws the status line until ctx ends or the returned
// stop function is called. On a terminal it rewrites in place every 100ms;
// otherwise it prints one line per second.
func RenderDownload(ctx context.Context, w io.Writer, view func() DownloadView) func() {
	isTTY := IsTTY(w)
	interval := time.Second
	if isTTY {
		interval = 100 * time.Millisecond
		fmt.Fprint(w, "\033[?25l")
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	lastLines := 0
	var renderMu sync.Mutex

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if !isTTY {
			fmt.Fprintln(w, FormatLine(v))
			return
		}
		if lastLines > 0 {
			fmt.Fprintf(w, "\033[%dA", lastLines)
			fmt.Fprint(w, "\033[J")
		}
		lines := 0
		if v.SaveTo != "" {
			fmt.Fprintf(w, "saving to %s\n", v.SaveTo)
			lines++
		}
		color := colorGreen
		if v.Paused {
			color = colorYellow
		}
		fmt.Fprintln(w, colorize(formatStatsLine(v), color, isTTY))
		lines++
		fmt.Fprintln(w, colorize(formatFileLine(v), colorCyan, isTTY))
		lines++
		lastLines = lines
	}

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

// FormatLine renders a single plain status line.
func FormatLine(v DownloadView) string {
	return formatStatsLine(v) + " " + formatFileLine(v)
}

func formatStatsLine(v DownloadView) string {
	bar := renderBar(v.Stats.Percent, 20)
	state := ""
	if v.Paused {
		state = "  paused"
	}
	return fmt.Sprintf("%s %5.1f%%  %s  ETA %s  (%s/%s)%s",
		bar,
		v.Stats.Percent,
		formatRate(v.Stats.RateBps),
		formatETA(v.Stats.ETA),
		humanize.IBytes(uint64(max(v.Stats.BytesDone, 0))),
		humanize.IBytes(uint64(max(v.Stats.Total, 0))),
		state,
	)
}

func formatFileLine(v DownloadView) string {
	current := v.CurrentFile
	if current == "" {
		current = "-"
	}
	line := fmt.Sprintf("file: %s (%s)", current, formatFileCount(v.Stats.FilesDone, v.Stats.FilesTotal))
	if v.Stats.Skipped > 0 {
		line += fmt.Sprintf(" skipped=%d", v.Stats.Skipped)
	}
	return line
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatFileCount(done, total int) string {
	if total <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", done, total)
}
