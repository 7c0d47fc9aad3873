package engine

import "time"

// Clock is the engine's time source. The real clock is swapped for a
// manual one in tests so wake and timeout paths can be driven without
// sleeping
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
