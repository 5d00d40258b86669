package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rate is a throttle specification: at most Count admissions per Window.
type Rate struct {
	Count  int
	Window time.Duration
	Spec   string
}

func (r Rate) String() string {
	return r.Spec
}

// ParseRate parses "N/period" where the first letter of period is s, m, h
// or d ("3/m", "100/hour", "10/day").
func ParseRate(spec string) (Rate, error) {
	num, period, ok := strings.Cut(spec, "/")
	period = strings.TrimSpace(period)
	if !ok || period == "" {
		return Rate{}, fmt.Errorf("invalid rate %q: want N/period", spec)
	}

	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < 1 {
		return Rate{}, fmt.Errorf("invalid rate %q: count must be a positive integer", spec)
	}

	var window time.Duration
	switch period[0] {
	case 's':
		window = time.Second
	case 'm':
		window = time.Minute
	case 'h':
		window = time.Hour
	case 'd':
		window = 24 * time.Hour
	default:
		return Rate{}, fmt.Errorf("invalid rate %q: period must start with s, m, h or d", spec)
	}

	return Rate{Count: n, Window: window, Spec: spec}, nil
}
