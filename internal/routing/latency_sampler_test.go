package routing

import (
	"testing"
	"time"
)

func TestLatencySamplerSmoothsAndBounds(t *testing.T) {
	s := NewLatencySampler(1000, 1.0) // one token per millisecond, no smoothing
	v1 := s.Observe(100 * time.Millisecond)
	if v1 != 100 {
		t.Fatalf("expected first observation to seed the average, got %d", v1)
	}
	time.Sleep(2 * time.Millisecond) // let the burst-1 bucket refill
	v2 := s.Observe(300 * time.Millisecond)
	if v2 != 300 {
		t.Fatalf("expected alpha=1.0 to track the latest sample exactly, got %d", v2)
	}
}

func TestLatencySamplerRejectsBurstsBeyondRate(t *testing.T) {
	s := NewLatencySampler(0.001, 0.5) // effectively one admission ever
	first := s.Observe(50 * time.Millisecond)
	second := s.Observe(500 * time.Millisecond)
	if first != second {
		t.Fatalf("expected rate limiter to reject the second burst sample: first=%d second=%d", first, second)
	}
}
