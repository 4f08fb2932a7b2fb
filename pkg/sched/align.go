package sched

import "time"

// AlignDown rounds t down to the nearest multiple of period, in UTC.
// All persisted timestamps go through this so that correlated metrics
// produced within one bucket collide on the same timestamp. The rule is the
// same for sub-second and hour-plus periods.
func AlignDown(t time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	p := period.Nanoseconds()
	aligned := ns - (ns % p)
	if ns < 0 && ns%p != 0 {
		aligned -= p
	}
	return time.Unix(0, aligned).UTC()
}

// SameBucket reports whether a and b align to the same bucket for period.
func SameBucket(a, b time.Time, period time.Duration) bool {
	return AlignDown(a, period).Equal(AlignDown(b, period))
}
