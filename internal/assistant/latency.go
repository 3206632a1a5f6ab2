package assistant

import (
	"math/rand/v2"
	"time"
)

// Latency decides how long a simulated generation takes.
type Latency interface {
	Delay() time.Duration
}

// Jitter waits Base plus a uniform random share of Spread.
type Jitter struct {
	Base   time.Duration
	Spread time.Duration
}

func (j Jitter) Delay() time.Duration {
	if j.Spread <= 0 {
		return j.Base
	}
	return j.Base + rand.N(j.Spread)
}

// Fixed always waits the same duration.
type Fixed time.Duration

func (f Fixed) Delay() time.Duration {
	return time.Duration(f)
}
