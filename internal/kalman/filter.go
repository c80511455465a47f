// Package kalman implements the univariate RSSI smoothing filter used
// by the heartbeat engine. It is a direct restatement of the scalar
// case of the original Kalman filter, parameterised by measurement
// noise Q and process noise R.
package kalman

// Default noise parameters, matching the design's defaults.
const (
	DefaultQ = 15.0
	DefaultR = 0.08
)

// Filter is a scalar Kalman-style filter with no process model beyond
// "the true value barely moves between samples". Zero value is not
// ready for use; construct with New.
type Filter struct {
	q   float64 // measurement noise
	r   float64 // process noise
	x   float64
	cov float64
	set bool
}

// New creates a Filter with the given noise parameters. Q <= 0 or R <=
// 0 fall back to the design's defaults.
func New(q, r float64) *Filter {
	if q <= 0 {
		q = DefaultQ
	}
	if r <= 0 {
		r = DefaultR
	}
	return &Filter{q: q, r: r}
}

// Filter feeds a new measurement z through the filter and returns the
// updated estimate. The first call initialises the filter exactly as
// Reset does.
func (f *Filter) Filter(z float64) float64 {
	if !f.set {
		return f.Reset(z)
	}

	k := f.cov / (f.cov + f.q)
	f.x = f.x + k*(z-f.x)
	f.cov = (1-k)*f.cov + f.r

	return f.x
}

// Reset discards the filter's state and reinitialises it at z, as
// happens when a scanner has gone silent for TURN_OFF seconds.
func (f *Filter) Reset(z float64) float64 {
	f.x = z
	f.cov = f.q
	f.set = true
	return f.x
}

// Last returns the current estimate and whether the filter has been
// initialised (via Filter or Reset) at least once.
func (f *Filter) Last() (float64, bool) {
	return f.x, f.set
}
