package relay

import "time"

// visible returns the records for which keep reports true, in their
// original order. The input slice is never modified.
func visible[T any](records []T, keep func(T) bool) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Clock returns the current time. Tests substitute a fixed or stepped clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
