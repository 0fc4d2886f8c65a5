package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

// termMu serialises console log lines with status lines so they never
// interleave mid-line.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsInteractive reports whether stdout is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a stderr writer that shares a lock with PrintStatus.
func NewTermWriter() io.Writer {
	return termWriter{}
}

func PrintBanner(w io.Writer, version string) {
	banner := `
   ____  _____ _____  _    ___ _     ____  ___ ____  _____
  |  _ \| ____|_   _|/ \  |_ _| |   |  _ \|_ _|  _ \| ____|
  | |_) |  _|   | | / _ \  | || |   | |_) || || |_) |  _|
  |  _ <| |___  | |/ ___ \ | || |___|  __/ | ||  __/| |___
  |_| \_\_____| |_/_/   \_\___|_____|_|   |___|_|   |_____|

        >> retail sales pipeline ` + version + ` <<
`
	width := termWidth()
	termMu.Lock()
	defer termMu.Unlock()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Fprintf(w, "%s%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan, l, colorReset)
	}
}

// StatusLine renders a one-line summary of the tracker for the console.
func StatusLine(s Snapshot, next time.Time) string {
	color := colorNeonCyan
	switch {
	case s.State == StateRunning:
		color = colorPurple
	case s.LastOutcome == StateFailed:
		color = colorNeonMag
	}

	state := string(s.State)
	if s.State == StateRunning && s.CurrentStep != "" {
		state += " " + s.CurrentStep
	}

	last := "never"
	if !s.LastFinished.IsZero() {
		last = fmt.Sprintf("%s at %s (%.1fs)", s.LastOutcome, s.LastFinished.Format("15:04:05"), s.LastDuration)
	}

	line := fmt.Sprintf("%s[%s]%s last: %s | cycles: %d | suppressed: %d",
		color, state, colorReset, last, s.Cycles, s.Suppressed)
	if !next.IsZero() {
		line += " | next: " + next.Format("2006-01-02 15:04:05")
	}
	return line
}

func PrintStatus(w io.Writer, s Snapshot, next time.Time) {
	termMu.Lock()
	defer termMu.Unlock()
	fmt.Fprintln(w, StatusLine(s, next))
}
