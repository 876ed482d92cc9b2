package slopecal

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSlopeType is returned for a slope type other than tf-plane, f-slope or t-slope.
	ErrUnknownSlopeType = errors.New("unknown type setting")
	// ErrShapeMismatch is returned when a tensor does not match the machine's chunk shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNotPrecomputed is returned by ComputeJHR before PrecomputeAttributes ran.
	ErrNotPrecomputed = errors.New("JHJ inverse not precomputed")
)

// SlopeType selects the phase parameterisation.
type SlopeType int

const (
	// TFPlane fits phase + delay·ν + rate·τ.
	TFPlane SlopeType = iota
	// FSlope fits phase + delay·ν.
	FSlope
	// TSlope fits phase + rate·τ.
	TSlope
)

func (t SlopeType) String() string {
	switch t {
	case TFPlane:
		return "tf-plane"
	case FSlope:
		return "f-slope"
	case TSlope:
		return "t-slope"
	default:
		return "unknown"
	}
}

// ParseSlopeType maps a configuration string onto a SlopeType.
func ParseSlopeType(s string) (SlopeType, error) {
	switch s {
	case "tf-plane":
		return TFPlane, nil
	case "f-slope":
		return FSlope, nil
	case "t-slope":
		return TSlope, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSlopeType, s)
	}
}

// Component labels used for import and export.
const (
	LabelPhase = "phase"
	LabelDelay = "delay"
	LabelRate  = "rate"
	// LabelGain is the derived complex gain, exported but never imported.
	LabelGain = "gain"
	// ErrSuffix is appended to a component label for its posterior error table.
	ErrSuffix = ".err"
)

// Component pairs a semantic label with its slope-component index.
type Component struct {
	Label string
	Index int
}

// Options holds the construction-time configuration of a machine.
type Options struct {
	Type SlopeType
	// RefAnt is the reference antenna, or nil for none.
	RefAnt *int
	// FixDirections lists directions whose gains are held at unity.
	FixDirections []int
	// Eps is the determinant floor used when inverting JHJ blocks.
	Eps float64
	// TInt and FInt are the interval widths in samples.
	TInt int
	FInt int
}

// NewOptions creates Options with default values.
func NewOptions() *Options {
	return &Options{
		Type: FSlope,
		Eps:  1e-6,
		TInt: 1,
		FInt: 1,
	}
}

// RefAntenna is a helper returning a pointer for Options.RefAnt.
func RefAntenna(ant int) *int {
	return &ant
}

// Grid holds raw (unnormalised) time and frequency coordinates.
type Grid struct {
	Time []float64
	Freq []float64
}

// Solution is one exported table: values over (dir, time, freq, ant, corr)
// on the grid given by Grid.
type Solution struct {
	Axes   []string
	Shape  []int
	Values []float64
	Grid   Grid
}

// GainTable holds reconstructed complex gains over (dir, time, freq, ant, corr)
// for the two diagonal correlations, on the full-resolution grid.
type GainTable struct {
	Axes   []string
	Shape  []int
	Values []complex128
	Grid   Grid
}

// SolutionAxes are the axis labels of every exported table.
var SolutionAxes = []string{"dir", "time", "freq", "ant", "corr"}
