package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const barWidth = 30

// Progress draws a single-line transfer bar. Its Update method matches
// the attach.Progress callback.
type Progress struct {
	out      io.Writer
	label    string
	minGap   time.Duration
	mu       sync.Mutex
	last     time.Time
	started  time.Time
	done     int64
	total    int64
	finished bool
}

// NewProgress creates a bar labelled with label that redraws at most every 100ms
func NewProgress(out io.Writer, label string) *Progress {
	return &Progress{out: out, label: label, minGap: 100 * time.Millisecond, started: time.Now()}
}

// Update records the bytes transferred so far. total <= 0 means unknown.
func (p *Progress) Update(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done, p.total = done, total
	now := time.Now()
	if now.Sub(p.last) < p.minGap && (total <= 0 || done < total) {
		return
	}
	p.last = now
	fmt.Fprint(p.out, "\r"+p.line())
}

// Finish draws the final state and ends the line
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	fmt.Fprint(p.out, "\r"+p.line()+"\n")
}

func (p *Progress) line() string {
	elapsed := time.Since(p.started).Seconds()
	rate := ""
	if elapsed > 0 {
		rate = fmt.Sprintf(" %s/s", humanize.IBytes(uint64(float64(p.done)/elapsed)))
	}
	return FormatProgress(p.label, p.done, p.total) + Color(Dim, rate)
}

// FormatProgress renders "label [####------] 1.2 MiB / 4.0 MiB 30%"
func FormatProgress(label string, done, total int64) string {
	if done < 0 {
		done = 0
	}
	if total <= 0 {
		return fmt.Sprintf("%s %s", label, humanize.IBytes(uint64(done)))
	}
	if done > total {
		done = total
	}
	filled := int(done * barWidth / total)
	bar := Color(Green, strings.Repeat("#", filled)) + Color(Dim, strings.Repeat("-", barWidth-filled))
	return fmt.Sprintf("%s [%s] %s / %s %3d%%", label, bar,
		humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)), done*100/total)
}
