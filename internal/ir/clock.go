package ir

import "time"

// Clock supplies wall time for request ages, lease expiry and throttle
// windows. Production code uses SystemClock; tests inject a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
