package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ProgressBar renders current/total as a bar of the given width followed by
// the percentage.
func ProgressBar(current, total int, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	bar += strings.Repeat(" ", width-filled)
	bar += StyleSymbols["bullet"]
	return fmt.Sprintf("%s %.1f%%", bar, percent*100)
}

// StatusLine is one line of job progress sized for a terminal of the given
// width.
func StatusLine(status string, current, total int, speed string, termWidth int) string {
	head := fmt.Sprintf("%s %s %d/%d", StyleSymbols["pending"], status, current, total)
	tail := fmt.Sprintf("%s %s", StyleSymbols["bullet"], speed)
	barWidth := termWidth - len([]rune(head)) - len([]rune(tail)) - 12
	if barWidth < 10 {
		return FPending(head) + " " + FDetail(tail)
	}
	barWidth = min(barWidth, 40)
	return FPending(head) + " " + FDebug(ProgressBar(current, total, barWidth)) + " " + FDetail(tail)
}

func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// ProgressView redraws a single status line in place.
type ProgressView struct {
	w     io.Writer
	width int
	tty   bool
	last  string
}

func NewProgressView(w io.Writer) *ProgressView {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &ProgressView{w: w, width: TerminalWidth(), tty: tty}
}

// Update redraws the line. Without a terminal it prints a new line only
// when the content changed.
func (p *ProgressView) Update(status string, current, total int, speed string) {
	line := StatusLine(status, current, total, speed, p.width)
	if line == p.last {
		return
	}
	p.last = line
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		return
	}
	fmt.Fprintln(p.w, line)
}

func (p *ProgressView) Done() {
	if p.tty && p.last != "" {
		fmt.Fprintln(p.w)
	}
}
