// Package progress renders pipeline snapshots for a person watching an
// install. It only observes; it never influences scheduling.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/conn-castle/fastchain/internal/messages"
	"github.com/conn-castle/fastchain/internal/pipeline"
	"github.com/conn-castle/fastchain/internal/terminal"
)

// redrawEvery throttles live redraws caused by byte counts alone.
const redrawEvery = 100 * time.Millisecond

var statusColors = map[pipeline.Status]*color.Color{
	pipeline.StatusPending:   color.New(color.Faint),
	pipeline.StatusFetching:  color.New(color.FgCyan),
	pipeline.StatusVerifying: color.New(color.FgBlue),
	pipeline.StatusUnpacking: color.New(color.FgYellow),
	pipeline.StatusStaged:    color.New(color.FgGreen),
	pipeline.StatusFailed:    color.New(color.FgRed),
}

// Printer writes component progress to out. In live mode it redraws one
// line per component in place; otherwise it prints a line per status change.
type Printer struct {
	out   io.Writer
	live  bool
	width int
	now   func() time.Time

	mu       sync.Mutex
	seq      uint64
	statuses map[string]pipeline.Status
	drawn    int
	lastDraw time.Time
}

// New returns a Printer for out. Live redraw is used when out is a terminal.
func New(out io.Writer) *Printer {
	live := terminal.IsTerminal(out)
	return &Printer{
		out:      out,
		live:     live,
		width:    terminal.Width(out, 80),
		now:      time.Now,
		statuses: map[string]pipeline.Status{},
	}
}

// Observe renders s. It is safe to use as a pipeline observer.
func (p *Printer) Observe(s pipeline.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Seq <= p.seq {
		return
	}
	p.seq = s.Seq

	changed := false
	for _, c := range s.Components {
		if p.statuses[c.Name] != c.Status {
			p.statuses[c.Name] = c.Status
			changed = true
			if !p.live {
				_, _ = fmt.Fprintln(p.out, p.line(c))
			}
		}
	}
	if !p.live {
		return
	}
	if !changed && p.now().Sub(p.lastDraw) < redrawEvery {
		return
	}
	p.redraw(s)
}

// Finish prints the outcome summary.
func (p *Printer) Finish(o pipeline.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Status == pipeline.OverallCommitted {
		_, _ = fmt.Fprintln(p.out, color.GreenString(messages.ProgressInstalledFmt, o.InstallRoot))
	} else {
		_, _ = fmt.Fprintln(p.out, color.RedString(messages.ProgressAbortedFmt, o.InstallRoot))
		for _, f := range o.Failures {
			name := f.Component
			if name == "" {
				name = messages.PipelineCommitComponent
			}
			_, _ = fmt.Fprintf(p.out, messages.ProgressFailureLineFmt, name, f.Kind)
		}
	}
	_, _ = fmt.Fprintf(p.out, messages.ProgressElapsedFmt, o.Elapsed.Seconds())
}

func (p *Printer) redraw(s pipeline.Snapshot) {
	var b strings.Builder
	if p.drawn > 0 {
		fmt.Fprintf(&b, "\x1b[%dA", p.drawn)
	}
	for _, c := range s.Components {
		b.WriteString("\x1b[2K")
		b.WriteString(truncate(p.line(c), p.width))
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(p.out, b.String())
	p.drawn = len(s.Components)
	p.lastDraw = p.now()
}

// line formats one component, e.g. "fetching   rustc  12.0 MiB / 60.1 MiB".
func (p *Printer) line(c pipeline.ComponentState) string {
	status := string(c.Status)
	if col, ok := statusColors[c.Status]; ok {
		status = col.Sprintf("%-9s", c.Status)
	}
	name := c.Display
	if name == "" {
		name = c.Name
	}
	line := fmt.Sprintf("%s  %s", status, name)
	switch c.Status {
	case pipeline.StatusFetching:
		if c.Total > 0 {
			line += fmt.Sprintf("  %s / %s", humanBytes(c.Fetched), humanBytes(c.Total))
		} else if c.Fetched > 0 {
			line += "  " + humanBytes(c.Fetched)
		}
	case pipeline.StatusFailed:
		if c.Err != nil {
			line += "  " + c.Err.Error()
		}
	}
	return line
}

// humanBytes formats n with binary units.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// truncate cuts s to width visible runes, ignoring escape sequences.
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	var b strings.Builder
	visible := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			if visible == width {
				continue
			}
			visible++
		}
		b.WriteRune(r)
	}
	return b.String()
}
