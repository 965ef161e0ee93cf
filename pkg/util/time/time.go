package time

import "time"

// CurrentTimeMillis returns the unix time in milliseconds.
func CurrentTimeMillis() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// Millis converts t to unix milliseconds, zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}
