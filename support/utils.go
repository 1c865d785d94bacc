// Package support holds the formatting and progress-reporting helpers
// shared by the dskread command: humanized sizes, duration strings and
// the fixed-width columnar progress table.
package support

import (
	"fmt"
)

// Humanize renders val (scaled by base) with a K/M/G/T suffix.
func Humanize(val int64, base int) string {
	if base == 0 {
		base = 1
	}
	val *= int64(base)
	return humanizeImpl(float64(val), 0)
}

func humanizeImpl(val float64, idx int) string {
	suffix := " KMGTPE"

	switch {
	case val < 10.0:
		return fmt.Sprintf("%5.2f%c", val, suffix[idx])
	case val < 100.0:
		return fmt.Sprintf("%5.1f%c", val, suffix[idx])
	case val < 1024.0:
		return fmt.Sprintf("%5.0f%c", val, suffix[idx])
	default:
		return humanizeImpl(val/1024.0, idx+1)
	}
}

// SecsToHMSstr renders a second count as HH:MM:SS, widening to days
// when hours overflow two digits.
func SecsToHMSstr(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds / 60 % 60
	s := seconds % 60

	if h > 99 {
		d := h / 24
		h -= d * 24
		if d > 99 {
			return fmt.Sprintf("%03dd %02dh", d, h)
		}
		return fmt.Sprintf("%02dd%02d%02d", d, h, m)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
