// Package snaputil contains formatting helpers for diagnostic output.
package snaputil

import (
	"fmt"
	"strings"
	"time"
)

// durationSteps maps a minimum magnitude to the precision kept for durations
// of at least that magnitude, largest first.
var durationSteps = []struct {
	min, precision time.Duration
}{
	{10 * 24 * time.Hour, 24 * time.Hour},
	{24 * time.Hour, time.Hour},
	{time.Hour, time.Minute},
	{time.Minute, time.Second},
	{time.Second, 100 * time.Millisecond},
	{10 * time.Millisecond, time.Millisecond},
	{time.Millisecond, 100 * time.Microsecond},
	{time.Microsecond, time.Microsecond},
}

// TruncateDuration drops precision from d in proportion to its magnitude, e.g.
// 1.23456s becomes 1.2s, and 2m3.4s becomes 2m3s.
func TruncateDuration(d time.Duration) time.Duration {
	for _, step := range durationSteps {
		if d >= step.min {
			return d.Truncate(step.precision)
		}
	}
	return d
}

// HumanizeDuration renders a truncated duration, without the trailing zero
// seconds of durations over an hour, e.g. "2h3m".
func HumanizeDuration(d time.Duration) string {
	d = TruncateDuration(d)
	s := d.String()
	if d >= time.Hour {
		s = strings.TrimSuffix(s, "0s")
	}
	return s
}

// HumanizeFloat renders a count or percentage in at most four characters,
// e.g. "0.2", "812", "5.1K", "33K". Values over a million render as "1M+".
func HumanizeFloat(f float64) string {
	var s string
	switch {
	case f > 1e6:
		s = "1M+"
	case f > 1e4:
		s = fmt.Sprintf("%.0fK", f/1e3)
	case f > 1e3:
		s = fmt.Sprintf("%.1fK", f/1e3)
	case f >= 1:
		s = fmt.Sprintf("%.0f", f)
	default:
		s = fmt.Sprintf("%.1f", f)
	}
	if s == "0.0" {
		s = "0"
	}
	return s
}

// HumanizeBytes renders n bytes in B, KB, or MB, with one decimal place for
// small multiples of a unit, e.g. "512B", "1.5KB", "200KB", "3.0MB".
func HumanizeBytes[T ~int | ~int64 | ~uint64](n T) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
	)
	f := float64(n)
	switch {
	case f < kb:
		return fmt.Sprintf("%.0fB", f)
	case f < 100*kb:
		return fmt.Sprintf("%.1fKB", f/kb)
	case f < mb:
		return fmt.Sprintf("%.0fKB", f/kb)
	case f < 100*mb:
		return fmt.Sprintf("%.1fMB", f/mb)
	default:
		return fmt.Sprintf("%.0fMB", f/mb)
	}
}
