package service

import "time"

// Clock abstracts time so due-time gating can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
