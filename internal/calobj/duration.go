package calobj

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses an RFC 5545 DURATION value such as "-PT15M" or "P1DT2H".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, ErrBadDuration
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, s)
	}
	s = s[1:]

	var (
		total  time.Duration
		inTime bool
		num    strings.Builder
	)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
			continue
		case r == 'T':
			if inTime || num.Len() > 0 {
				return 0, fmt.Errorf("%w: misplaced T", ErrBadDuration)
			}
			inTime = true
			continue
		}

		if num.Len() == 0 {
			return 0, fmt.Errorf("%w: missing number before %q", ErrBadDuration, r)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadDuration, err)
		}
		num.Reset()

		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("%w: unexpected %q", ErrBadDuration, r)
		}
		total += time.Duration(n) * unit
	}
	if num.Len() > 0 {
		return 0, fmt.Errorf("%w: trailing number", ErrBadDuration)
	}
	return sign * total, nil
}

// FormatDuration renders d as an RFC 5545 DURATION.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		if days%7 == 0 && d == 0 {
			fmt.Fprintf(&b, "%dW", days/7)
			return b.String()
		}
		fmt.Fprintf(&b, "%dD", days)
	}
	if d == 0 {
		return b.String()
	}
	b.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
