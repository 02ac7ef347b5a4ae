// Package stat provides rolling sample windows and return-series statistics
// used by the risk engine's correlation checks.
package stat

// Window is a fixed-capacity rolling sample window.
type Window struct {
	size   int
	values []float64
}

// NewWindow creates a rolling window holding at most size samples.
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{
		size:   size,
		values: make([]float64, 0, size),
	}
}

// Push appends a sample, evicting the oldest once the window is full.
func (w *Window) Push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.size {
		w.values = w.values[1:]
	}
}

// Values returns a copy of the samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	return len(w.values)
}

// Full returns true once the window holds size samples.
func (w *Window) Full() bool {
	return len(w.values) >= w.size
}

// Size returns the window capacity.
func (w *Window) Size() int {
	return w.size
}

// Reset clears all samples.
func (w *Window) Reset() {
	w.values = w.values[:0]
}
