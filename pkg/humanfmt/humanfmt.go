// Package humanfmt renders sizes, counts, durations and rates for log
// companions and listings.
package humanfmt

import (
	"fmt"
	"strconv"
	"time"
)

// Binary (IEC) units for bytes.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

type unit struct {
	size   float64
	suffix string
}

var byteUnits = []unit{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}}

var countUnits = []unit{{1e9, "B"}, {1e6, "M"}, {1e3, "K"}}

func scale(v float64, units []unit, sep string) (string, bool) {
	for _, u := range units {
		if v >= u.size {
			return fmt.Sprintf("%.2f%s%s", v/u.size, sep, u.suffix), true
		}
	}
	return "", false
}

// Bytes formats a byte count using IEC binary units, e.g. "1.23 GiB".
func Bytes(b int64) string {
	if s, ok := scale(float64(b), byteUnits, " "); ok && b > 0 {
		return s
	}
	return fmt.Sprintf("%d B", b)
}

// Count formats a count with K/M/B suffixes, e.g. "1.23M".
func Count(n int64) string {
	if s, ok := scale(float64(n), countUnits, ""); ok && n > 0 {
		return s
	}
	return strconv.FormatInt(n, 10)
}

// Duration formats d compactly: "2h15m", "1m30s", "1.23s", "45.6ms".
func Duration(d time.Duration) string {
	switch {
	case d < 0:
		return d.String()
	case d >= time.Hour:
		h, m := d/time.Hour, (d%time.Hour)/time.Minute
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	case d >= time.Minute:
		m, s := d/time.Minute, (d%time.Minute)/time.Second
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm%ds", m, s)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.1fµs", float64(d)/float64(time.Microsecond))
	}
	return fmt.Sprintf("%dns", d.Nanoseconds())
}

// Rate formats n items over d as a per-second rate, e.g. "12.50K rec/s".
func Rate(n int64, d time.Duration, noun string) string {
	if d <= 0 {
		return "∞ " + noun + "/s"
	}
	perSec := float64(n) / d.Seconds()
	if s, ok := scale(perSec, countUnits, ""); ok {
		return s + " " + noun + "/s"
	}
	return fmt.Sprintf("%.0f %s/s", perSec, noun)
}
