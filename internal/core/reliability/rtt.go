package reliability

import "time"

// RTT keeps an exponentially smoothed round trip estimate.
type RTT struct {
	smoothing float64
	max       time.Duration
	value     time.Duration
	sampled   bool
}

func NewRTT(smoothing float64, max time.Duration) *RTT {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.1
	}
	return &RTT{smoothing: smoothing, max: max}
}

// Sample folds one measured round trip into the estimate.
func (r *RTT) Sample(d time.Duration) {
	if d < 0 {
		return
	}
	if r.max > 0 && d > r.max {
		d = r.max
	}
	if !r.sampled {
		r.value, r.sampled = d, true
		return
	}
	r.value += time.Duration(r.smoothing * float64(d-r.value))
}

// Get returns the estimate, zero before the first sample.
func (r *RTT) Get() time.Duration { return r.value }

// Timeout is the silence after which an unacknowledged datagram counts as lost.
func (r *RTT) Timeout(floor time.Duration) time.Duration {
	return max(floor, 2*r.value)
}
