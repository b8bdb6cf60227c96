// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders orchestrator events on a terminal.
package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/batchfetch/batchfetch/pkg/batchfetch"
)

const barTemplate = `{{ cyan "Total" }} {{ counters . }} {{ bar . "[" "=" ">" " " "]" }} {{ percent . }} {{ speed . }} {{ rtime . "ETA %s" }}`

// Options configures a LiveRenderer.
type Options struct {
	// Bar shows an aggregate byte progress bar. Ignored when the writer is
	// not a terminal.
	Bar bool

	// Quiet prints only failures and the batch summary.
	Quiet bool

	// NoColor disables colour. NO_COLOR in the environment has the same effect.
	NoColor bool
}

// LiveRenderer prints one coloured line per lifecycle event and keeps an
// aggregate progress bar below them. It implements batchfetch.EventSink.
type LiveRenderer struct {
	w    io.Writer
	opts Options

	mu      sync.Mutex
	bar     *pb.ProgressBar
	files   map[string]*fileState
	order   []string
	stopped bool

	ok, warn, bad, info, note, head *color.Color
}

type fileState struct {
	name       string
	downloaded int64
	total      int64
	status     batchfetch.Status
}

// NewLiveRenderer creates a renderer writing to w.
func NewLiveRenderer(w io.Writer, opts Options) *LiveRenderer {
	if os.Getenv("NO_COLOR") != "" {
		opts.NoColor = true
	}
	lr := &LiveRenderer{
		w:     w,
		opts:  opts,
		files: make(map[string]*fileState),
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		info:  color.New(color.FgCyan),
		note:  color.New(color.FgMagenta),
		head:  color.New(color.Bold),
	}
	tty := isTerminal(w)
	for _, c := range []*color.Color{lr.ok, lr.warn, lr.bad, lr.info, lr.note, lr.head} {
		if opts.NoColor || !tty {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}

	if opts.Bar && !opts.Quiet && tty {
		lr.bar = pb.New64(0).
			SetTemplateString(barTemplate).
			SetWriter(w).
			Set(pb.Bytes, true).
			Set(pb.Static, true).
			SetWidth(termWidth(w))
		if opts.NoColor {
			lr.bar.Set(pb.Color, false)
		} else {
			lr.bar.Set(pb.Color, true)
		}
		lr.bar.Start()
	}
	return lr
}

// Track registers task names so lines show target paths instead of IDs.
func (lr *LiveRenderer) Track(tasks []batchfetch.TaskView) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for _, t := range tasks {
		fs := lr.ensure(t.ID)
		if t.TargetPath != "" {
			fs.name = t.TargetPath
		}
		if t.TotalBytes > 0 {
			fs.total = t.TotalBytes
		}
		fs.downloaded = t.DownloadedBytes
		fs.status = t.Status
	}
	lr.redraw()
}

// Publish implements batchfetch.EventSink.
func (lr *LiveRenderer) Publish(e batchfetch.Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.stopped {
		return
	}

	var fs *fileState
	if e.TaskID != "" {
		fs = lr.ensure(e.TaskID)
	}

	switch e.Type {
	case batchfetch.EventStarted:
		fs.status = batchfetch.StatusDownloading
		if p, ok := e.Payload.(batchfetch.ProgressPayload); ok {
			fs.downloaded, fs.total = p.Downloaded, p.Total
		}
		if fs.downloaded > 0 {
			lr.line(lr.info, "▶", "%s resuming at %s", fs.name, humanBytes(fs.downloaded))
		} else {
			lr.line(lr.info, "▶", "%s %s", fs.name, sizeOrUnknown(fs.total))
		}
	case batchfetch.EventProgress:
		if p, ok := e.Payload.(batchfetch.ProgressPayload); ok {
			fs.downloaded, fs.total = p.Downloaded, p.Total
		}
	case batchfetch.EventComplete:
		fs.status = batchfetch.StatusCompleted
		if p, ok := e.Payload.(batchfetch.ArtifactPayload); ok {
			fs.downloaded, fs.total = p.Size, p.Size
		}
		lr.line(lr.ok, "✓", "%s %s", fs.name, humanBytes(fs.downloaded))
	case batchfetch.EventRetry:
		fs.status = batchfetch.StatusRetryPending
		if p, ok := e.Payload.(batchfetch.RetryPayload); ok {
			lr.line(lr.warn, "↻", "%s retry %d in %s: %s", fs.name, p.Attempt, p.Delay.Round(time.Millisecond), p.Error)
		}
	case batchfetch.EventError:
		p, _ := e.Payload.(batchfetch.ErrorPayload)
		name := "batch " + e.BatchID
		if fs != nil {
			name = fs.name
			if p.Final {
				fs.status = batchfetch.StatusFailed
			}
		}
		lr.always(lr.bad, "×", "%s: %s", name, p.Message)
	case batchfetch.EventPaused:
		fs.status = batchfetch.StatusPaused
		lr.line(lr.note, "‖", "%s paused at %s", fs.name, humanBytes(fs.downloaded))
	case batchfetch.EventResumed:
		fs.status = batchfetch.StatusResumeRequested
		lr.line(lr.note, "▷", "%s resume requested", fs.name)
	case batchfetch.EventCancelled:
		fs.status = batchfetch.StatusCancelled
		fs.downloaded = 0
		lr.line(lr.warn, "■", "%s cancelled", fs.name)
	case batchfetch.EventArchiving:
		lr.line(lr.info, "⧉", "assembling archive")
	case batchfetch.EventArchived:
		if a, ok := e.Payload.(*batchfetch.ArchiveResult); ok {
			lr.line(lr.ok, "⧉", "archive %s: %d entries, %s", a.Name, len(a.Entries), humanBytes(a.Size))
		}
	case batchfetch.EventArchiveFailed:
		p, _ := e.Payload.(batchfetch.ErrorPayload)
		lr.always(lr.bad, "⧉", "archive failed: %s", p.Message)
	case batchfetch.EventBatchComplete:
		if res, ok := e.Payload.(*batchfetch.BatchResult); ok {
			lr.always(lr.head, "●", "batch %s: %d completed, %d failed, %d cancelled",
				e.BatchID, len(res.Completed), len(res.Failed), len(res.Cancelled))
		}
	}
	lr.redraw()
}

// Close stops the bar. Later events are ignored.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.stopped {
		return
	}
	lr.stopped = true
	if lr.bar != nil {
		lr.refreshBar()
		lr.bar.Finish()
	}
}

// Totals returns the bytes received and expected across all tracked tasks.
func (lr *LiveRenderer) Totals() (downloaded, total int64) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.totals()
}

func (lr *LiveRenderer) totals() (downloaded, total int64) {
	for _, fs := range lr.files {
		downloaded += fs.downloaded
		if fs.total > 0 {
			total += fs.total
		} else {
			total += fs.downloaded
		}
	}
	return downloaded, total
}

func (lr *LiveRenderer) ensure(id string) *fileState {
	if fs, ok := lr.files[id]; ok {
		return fs
	}
	fs := &fileState{name: shortID(id), status: batchfetch.StatusPending}
	lr.files[id] = fs
	lr.order = append(lr.order, id)
	return fs
}

// line prints an informational line unless quiet.
func (lr *LiveRenderer) line(c *color.Color, mark, format string, args ...any) {
	if lr.opts.Quiet {
		return
	}
	lr.always(c, mark, format, args...)
}

func (lr *LiveRenderer) always(c *color.Color, mark, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if lr.bar != nil {
		// Clear the bar row before printing above it
		fmt.Fprint(lr.w, "\r\x1b[K")
	}
	fmt.Fprintf(lr.w, "%s %s\n", c.Sprint(mark), msg)
}

func (lr *LiveRenderer) refreshBar() {
	downloaded, total := lr.totals()
	lr.bar.SetTotal(total)
	lr.bar.SetCurrent(downloaded)
}

func (lr *LiveRenderer) redraw() {
	if lr.bar == nil {
		return
	}
	lr.refreshBar()
	lr.bar.Write()
}

func sizeOrUnknown(n int64) string {
	if n <= 0 {
		return "(size unknown)"
	}
	return "(" + humanBytes(n) + ")"
}

func shortID(id string) string {
	if utf8.RuneCountInString(id) <= 12 {
		return id
	}
	return string([]rune(id)[:8]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 5 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if strings.ToLower(os.Getenv("TERM")) == "dumb" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func termWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return min(width, 120)
		}
	}
	return 100
}
