package item

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDuration parses an RFC 5545 dur-value ("P1DT2H", "-PT30M", "P2W").
func parseDuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalid, orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num += string(r)
			continue
		}
		if r == 'T' {
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("%w: bad duration %q", ErrInvalid, orig)
		}
		num = ""
		switch {
		case r == 'W' && !inTime:
			total += time.Duration(n) * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += time.Duration(n) * 24 * time.Hour
		case r == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("%w: bad duration %q", ErrInvalid, orig)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("%w: bad duration %q", ErrInvalid, orig)
	}
	if neg {
		total = -total
	}
	return total, nil
}
