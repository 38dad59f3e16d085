package encoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// parseProgress reads ffmpeg -progress key=value output and calls report with
// the encoded output time at the end of every block.
func parseProgress(r io.Reader, report func(time.Duration)) {
	scanner := bufio.NewScanner(r)
	var outTime time.Duration
	for scanner.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil && v >= 0 {
				outTime = time.Duration(v) * time.Microsecond
			}
		case "progress":
			report(outTime)
		}
	}
}

// ring keeps the last n lines written to it.
type ring struct {
	lines []string
	next  int
	full  bool
}

func newRing(n int) *ring {
	return &ring{lines: make([]string, n)}
}

func (r *ring) add(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []string {
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}
