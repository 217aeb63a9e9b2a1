package routing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LatencySampler smooths the avg_latency_ms signal fed into Signals. A
// model call happens on every iteration, but admitting every single
// observation into the running average makes the latency_above_ms
// trigger jittery under bursty load; the sampler uses a token-bucket
// limiter to bound how often a new observation is actually admitted; a
// run with bursty sub-millisecond tool loops otherwise re-averages on
// every call and masks sustained latency regressions with noise.
type LatencySampler struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	ewma    float64
	alpha   float64
	seen    bool
}

// NewLatencySampler admits at most ratePerSecond observations per second
// (burst 1), exponentially smoothing accepted samples with alpha.
func NewLatencySampler(ratePerSecond float64, alpha float64) *LatencySampler {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &LatencySampler{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		alpha:   alpha,
	}
}

// Observe offers a new latency sample. If the limiter admits it, the
// running average is updated and the new value returned as the current
// signal; otherwise the previous average is returned unchanged.
func (s *LatencySampler) Observe(d time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := float64(d.Milliseconds())
	if !s.limiter.Allow() {
		return int64(s.ewma)
	}

	if !s.seen {
		s.ewma = ms
		s.seen = true
	} else {
		s.ewma = s.alpha*ms + (1-s.alpha)*s.ewma
	}
	return int64(s.ewma)
}

// Current returns the last admitted average without consuming a token.
func (s *LatencySampler) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.ewma)
}
