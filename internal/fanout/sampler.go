package fanout

import (
	"time"

	"golang.org/x/time/rate"
)

// Sampler defaults.
const (
	DefaultSampleRate  = 20.0
	DefaultSampleBurst = 50
)

// Sampler decides which activity events are forwarded to subscribers.
// It is a token bucket: bursts up to the burst size pass, then events pass at the
// configured rate. A rate <= 0 disables sampling and every event passes.
type Sampler struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewSampler creates a sampler allowing perSecond events with the given burst.
func NewSampler(perSecond float64, burst int, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	if perSecond <= 0 {
		return &Sampler{now: now}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sampler{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		now:     now,
	}
}

// Allow reports whether one more event may be forwarded now.
func (s *Sampler) Allow() bool {
	if s == nil || s.limiter == nil {
		return true
	}
	return s.limiter.AllowN(s.now(), 1)
}
