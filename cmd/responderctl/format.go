package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
)

// statusColor maps terminal states and decisions to their ANSI color.
// Anything not listed renders uncolored.
var statusColor = map[string]string{
	"completed": ansiGreen,
	"approved":  ansiGreen,
	"succeeded": ansiGreen,
	"valid":     ansiGreen,
	"verified":  ansiGreen,

	"failed":          ansiRed,
	"denied":          ansiRed,
	"timed_out":       ansiRed,
	"rollback_failed": ansiRed,
	"broken":          ansiRed,

	"pending":           ansiYellow,
	"awaiting_approval": ansiYellow,
	"planning":          ansiYellow,
	"executing":         ansiYellow,
	"cancelled":         ansiYellow,
	"expired":           ansiYellow,
	"skipped":           ansiYellow,
	"rolled_back":       ansiYellow,
}

// ColorStatus wraps a status word in its ANSI color, if it has one.
func ColorStatus(status string) string {
	color, ok := statusColor[strings.ToLower(status)]
	if !ok {
		return status
	}
	return color + status + ansiReset
}

// RenderTable writes a two-space-separated column layout with a dashed
// divider under the header. Cell widths ignore ANSI escapes so colored
// statuses do not skew alignment.
func RenderTable(out io.Writer, headers []string, rows [][]string) {
	widths := columnWidths(headers, rows)

	var b strings.Builder
	appendRow(&b, headers, widths)
	for i, w := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(strings.Repeat("-", w))
	}
	b.WriteByte('\n')
	for _, row := range rows {
		appendRow(&b, row, widths)
	}
	fmt.Fprint(out, b.String())
}

func columnWidths(headers []string, rows [][]string) []int {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			if n := visibleLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

func appendRow(b *strings.Builder, cols []string, widths []int) {
	for i, w := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		var cell string
		if i < len(cols) {
			cell = cols[i]
		}
		b.WriteString(cell)
		if pad := w - visibleLen(cell); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
	}
	b.WriteByte('\n')
}

// visibleLen counts bytes outside ANSI escape sequences, matching how
// len() sizes the plain string.
func visibleLen(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] != 0x1b {
			n++
			continue
		}
		for i++; i < len(s); i++ {
			if s[i] == 'm' {
				break
			}
		}
	}
	return n
}

func PrintJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// Truncate shortens s to max bytes, spending the last one on an ellipsis.
func Truncate(s string, max int) string {
	switch {
	case max <= 0:
		return ""
	case len(s) <= max:
		return s
	case max == 1:
		return s[:1]
	}
	return s[:max-1] + "…"
}

func FormatTimeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func FormatDurationMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
