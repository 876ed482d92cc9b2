package parmdb

import "fmt"

// DType is the element type of a parameter.
type DType int

const (
	Float64 DType = iota
	Complex128
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Complex128:
		return "complex128"
	default:
		return "unknown"
	}
}

// ParseDType maps a stored dtype name back onto a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float64":
		return Float64, nil
	case "complex128":
		return Complex128, nil
	default:
		return 0, fmt.Errorf("%w: unknown dtype %q", ErrCorrupt, s)
	}
}

// Array is a dense row-major n-dimensional array. Exactly one of Float and
// Complex is populated, according to DType.
type Array struct {
	DType   DType
	Shape   []int
	Float   []float64
	Complex []complex128
}

// NewFloatArray wraps values in a float64 array of the given shape.
func NewFloatArray(shape []int, values []float64) *Array {
	return &Array{DType: Float64, Shape: append([]int(nil), shape...), Float: values}
}

// NewComplexArray wraps values in a complex128 array of the given shape.
func NewComplexArray(shape []int, values []complex128) *Array {
	return &Array{DType: Complex128, Shape: append([]int(nil), shape...), Complex: values}
}

func filledArray(dtype DType, shape []int, empty complex128) *Array {
	n := product(shape)
	a := &Array{DType: dtype, Shape: append([]int(nil), shape...)}
	if dtype == Complex128 {
		a.Complex = make([]complex128, n)
		for i := range a.Complex {
			a.Complex[i] = empty
		}
		return a
	}
	a.Float = make([]float64, n)
	for i := range a.Float {
		a.Float[i] = real(empty)
	}
	return a
}

// Len returns the number of stored values.
func (a *Array) Len() int {
	if a.DType == Complex128 {
		return len(a.Complex)
	}
	return len(a.Float)
}

func (a *Array) offset(idx []int) int {
	off := 0
	for i, n := range a.Shape {
		off = off*n + idx[i]
	}
	return off
}

// FloatAt returns the float64 value at idx.
func (a *Array) FloatAt(idx ...int) float64 { return a.Float[a.offset(idx)] }

// ComplexAt returns the complex128 value at idx.
func (a *Array) ComplexAt(idx ...int) complex128 { return a.Complex[a.offset(idx)] }

// paste copies src into a at the per-axis offsets lo.
func (a *Array) paste(src *Array, lo []int) {
	n := src.Len()
	if n == 0 {
		return
	}
	idx := make([]int, len(src.Shape))
	dst := make([]int, len(src.Shape))
	for i := 0; i < n; i++ {
		for k := range idx {
			dst[k] = lo[k] + idx[k]
		}
		off := a.offset(dst)
		if a.DType == Complex128 {
			a.Complex[off] = src.Complex[i]
		} else {
			a.Float[off] = src.Float[i]
		}
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < src.Shape[k] {
				break
			}
			idx[k] = 0
		}
	}
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
