package slopecal

import "golang.org/x/exp/constraints"

// Normalize maps x linearly onto [0, 1] so that the first element becomes 0
// and the last 1. A single element maps to 0 and an empty slice is returned
// unchanged. The element type is preserved.
func Normalize[T constraints.Float](x []T) []T {
	switch len(x) {
	case 0:
		return x
	case 1:
		return []T{0}
	}
	out := make([]T, len(x))
	x0 := x[0]
	span := x[len(x)-1] - x0
	for i, v := range x {
		out[i] = (v - x0) / span
	}
	return out
}

// NumIntervals returns ceil(n/width), the number of intervals covering n samples.
func NumIntervals(n, width int) int {
	return (n + width - 1) / width
}

// IntervalStarts returns the coordinate of the first sample of every interval.
func IntervalStarts(coords []float64, width int) []float64 {
	out := make([]float64, 0, NumIntervals(len(coords), width))
	for i := 0; i < len(coords); i += width {
		out = append(out, coords[i])
	}
	return out
}
