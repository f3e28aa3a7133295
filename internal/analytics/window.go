// Package analytics computes per-asset windowed KPIs and anomaly scores
// from a Sample stream. Ported from original_source's analytics_processor.py:
// OEE, Energy, and Predictive sub-processors follow that module's windowing
// shapes and formulas (including its preserved oddities, spec.md §9); the
// Energy-KPI sub-processor is a net-new addition (spec.md §4.3) composed in
// the same style.
package analytics

import "math"

// Window is a fixed-capacity ring buffer of float64 samples, the Go
// equivalent of the Python collections.deque(maxlen=N) used throughout
// analytics_processor.py.
type Window struct {
	data []float64
	cap  int
}

// NewWindow constructs an empty Window with the given capacity.
func NewWindow(capacity int) *Window {
	return &Window{data: make([]float64, 0, capacity), cap: capacity}
}

// Push appends v, evicting the oldest entry if the window is at capacity.
func (w *Window) Push(v float64) {
	if len(w.data) >= w.cap {
		copy(w.data, w.data[1:])
		w.data = w.data[:len(w.data)-1]
	}
	w.data = append(w.data, v)
}

// Len returns the current number of entries.
func (w *Window) Len() int { return len(w.data) }

// Last returns up to the last n entries, oldest-first.
func (w *Window) Last(n int) []float64 {
	if n >= len(w.data) {
		return w.data
	}
	return w.data[len(w.data)-n:]
}

// All returns every entry currently held, oldest-first.
func (w *Window) All() []float64 { return w.data }

// Mean returns the arithmetic mean of vals, or 0 for an empty slice.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// StdDev returns the population standard deviation of vals.
func StdDev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := Mean(vals)
	sum := 0.0
	for _, v := range vals {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}

// Min returns the minimum of vals.
func Min(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Max returns the maximum of vals.
func Max(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Median returns the median of vals (sorted copy, no in-place mutation).
func Median(vals []float64) float64 {
	return Percentile(vals, 50)
}

// Percentile returns the linear-interpolated percentile p (0-100) of vals.
func Percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sortFloats(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func sortFloats(vals []float64) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
