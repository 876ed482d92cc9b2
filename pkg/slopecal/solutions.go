package slopecal

import (
	"fmt"
	"slices"
)

// ExportSolutions returns every slope component of the active type and its
// posterior error, keyed by label ("phase", "delay.err", ...), over the
// interval grid.
func (m *Machine) ExportSolutions() map[string]Solution {
	grid := m.IntervalGrid()
	shape := []int{m.nDir, m.nTInt, m.nFInt, m.nAnt, NCorr}
	out := make(map[string]Solution, 2*m.kernel.nParam)
	for _, comp := range m.kernel.basis.components() {
		out[comp.Label] = Solution{
			Axes:   SolutionAxes,
			Shape:  shape,
			Values: m.extractComponent(m.params, comp.Index),
			Grid:   grid,
		}
		out[comp.Label+ErrSuffix] = Solution{
			Axes:   SolutionAxes,
			Shape:  shape,
			Values: m.extractComponent(m.slopeErr, comp.Index),
			Grid:   grid,
		}
	}
	return out
}

func (m *Machine) extractComponent(p *ParamTensor, k int) []float64 {
	out := make([]float64, 0, m.nDir*m.nTInt*m.nFInt*m.nAnt*NCorr)
	for d := 0; d < m.nDir; d++ {
		for ti := 0; ti < m.nTInt; ti++ {
			for fi := 0; fi < m.nFInt; fi++ {
				for a := 0; a < m.nAnt; a++ {
					for c := 0; c < NCorr; c++ {
						out = append(out, p.At(d, ti, fi, a, k, c))
					}
				}
			}
		}
	}
	return out
}

// ExportGains returns the diagonal of the reconstructed gains on the
// full-resolution grid.
func (m *Machine) ExportGains() GainTable {
	vals := make([]complex128, 0, m.nDir*m.nTime*m.nFreq*m.nAnt*NCorr)
	for d := 0; d < m.nDir; d++ {
		for t := 0; t < m.nTime; t++ {
			for f := 0; f < m.nFreq; f++ {
				for a := 0; a < m.nAnt; a++ {
					vals = append(vals, m.gains.Diag(d, t, f, a, 0), m.gains.Diag(d, t, f, a, 1))
				}
			}
		}
	}
	return GainTable{
		Axes:   SolutionAxes,
		Shape:  []int{m.nDir, m.nTime, m.nFreq, m.nAnt, NCorr},
		Values: vals,
		Grid:   m.GainGrid(),
	}
}

// ImportSolutions loads whichever slope components of the active type are
// present in sols; missing labels keep their current values. If anything was
// loaded the gains are rebuilt. A present table of the wrong size is rejected
// before any component is written.
func (m *Machine) ImportSolutions(sols map[string]Solution) error {
	want := m.nDir * m.nTInt * m.nFInt * m.nAnt * NCorr
	comps := m.kernel.basis.components()
	for _, comp := range comps {
		sol, ok := sols[comp.Label]
		if !ok {
			continue
		}
		if len(sol.Values) != want {
			return fmt.Errorf("%w: %q has %d values, want %d", ErrShapeMismatch, comp.Label, len(sol.Values), want)
		}
		if sol.Shape != nil && !slices.Equal(sol.Shape, []int{m.nDir, m.nTInt, m.nFInt, m.nAnt, NCorr}) {
			return fmt.Errorf("%w: %q has shape %v", ErrShapeMismatch, comp.Label, sol.Shape)
		}
	}

	loaded := false
	for _, comp := range comps {
		sol, ok := sols[comp.Label]
		if !ok {
			continue
		}
		i := 0
		for d := 0; d < m.nDir; d++ {
			for ti := 0; ti < m.nTInt; ti++ {
				for fi := 0; fi < m.nFInt; fi++ {
					for a := 0; a < m.nAnt; a++ {
						for c := 0; c < NCorr; c++ {
							m.params.Set(d, ti, fi, a, comp.Index, c, sol.Values[i])
							i++
						}
					}
				}
			}
		}
		loaded = true
	}
	if loaded {
		m.kernel.ConstructGains(m.params, m.gains)
	}
	return nil
}
