package slopecal

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
)

const tol = 1e-12

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if n == 1 {
			out[i] = lo
			continue
		}
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}

func newTestMachine(t *testing.T, opts Options, nDir, nTime, nFreq, nAnt int) *Machine {
	t.Helper()
	if opts.Eps == 0 {
		opts.Eps = 1e-6
	}
	if opts.TInt == 0 {
		opts.TInt = 1
	}
	if opts.FInt == 0 {
		opts.FInt = 1
	}
	m, err := New(opts, nDir, 1, linspace(0, 60, nTime), linspace(1.0e9, 1.2e9, nFreq), nAnt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// unitModel fills every cross-correlation with 1 on both diagonal correlations.
func unitModel(nDir, nTime, nFreq, nAnt int) *ModelVisibilities {
	model := NewModelVisibilities(nDir, 1, nTime, nFreq, nAnt)
	for d := 0; d < nDir; d++ {
		for ti := 0; ti < nTime; ti++ {
			for f := 0; f < nFreq; f++ {
				for p := 0; p < nAnt; p++ {
					for q := 0; q < nAnt; q++ {
						if p == q {
							continue
						}
						b := model.Block(d, 0, ti, f, p, q)
						b[0], b[3] = 1, 1
					}
				}
			}
		}
	}
	return model
}

// identityInverse returns a JHJ⁻¹ tensor whose every block is the identity.
func identityInverse(m *Machine) *ParamTensor {
	inv := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nBlock)
	for d := 0; d < m.nDir; d++ {
		for ti := 0; ti < m.nTInt; ti++ {
			for fi := 0; fi < m.nFInt; fi++ {
				for a := 0; a < m.nAnt; a++ {
					for _, blk := range m.kernel.basis.diagBlocks() {
						for c := 0; c < NCorr; c++ {
							inv.Set(d, ti, fi, a, blk, c, 1)
						}
					}
				}
			}
		}
	}
	return inv
}

func rampJHR(m *Machine) *ParamTensor {
	jhr := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nParam)
	for i := range jhr.Data {
		jhr.Data[i] = 0.01*float64(i+1) - 0.003*float64(i%5)
	}
	return jhr
}

func TestNewRejectsBadOptions(t *testing.T) {
	times, freqs := linspace(0, 1, 3), linspace(1, 2, 3)
	if _, err := New(Options{Type: SlopeType(9), TInt: 1, FInt: 1}, 1, 1, times, freqs, 2); !errors.Is(err, ErrUnknownSlopeType) {
		t.Fatalf("expected ErrUnknownSlopeType, got %v", err)
	}
	if _, err := ParseSlopeType("diag-phase"); !errors.Is(err, ErrUnknownSlopeType) {
		t.Fatalf("expected ErrUnknownSlopeType from parse, got %v", err)
	}
	if _, err := New(Options{Type: FSlope, TInt: 0, FInt: 1}, 1, 1, times, freqs, 2); err == nil {
		t.Fatal("expected error for zero t_int")
	}
	if _, err := New(Options{Type: FSlope, TInt: 1, FInt: 1, RefAnt: RefAntenna(2)}, 1, 1, times, freqs, 2); err == nil {
		t.Fatal("expected error for out-of-range reference antenna")
	}
	if _, err := New(Options{Type: FSlope, TInt: 1, FInt: 1, FixDirections: []int{1}}, 1, 1, times, freqs, 2); err == nil {
		t.Fatal("expected error for out-of-range fixed direction")
	}
	if _, err := New(Options{Type: FSlope, TInt: 1, FInt: 1}, 1, 1, nil, freqs, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for empty time axis, got %v", err)
	}
}

func TestParseSlopeTypeRoundTrip(t *testing.T) {
	for _, st := range []SlopeType{TFPlane, FSlope, TSlope} {
		got, err := ParseSlopeType(st.String())
		if err != nil || got != st {
			t.Fatalf("expected %v, got %v (%v)", st, got, err)
		}
	}
}

func TestComponentTables(t *testing.T) {
	cases := []struct {
		typ    SlopeType
		labels []string
		dof    int
	}{
		{TFPlane, []string{LabelDelay, LabelRate, LabelPhase}, 6},
		{FSlope, []string{LabelDelay, LabelPhase}, 4},
		{TSlope, []string{LabelRate, LabelPhase}, 4},
	}
	for _, tc := range cases {
		m := newTestMachine(t, Options{Type: tc.typ}, 1, 2, 2, 2)
		comps := m.Components()
		if len(comps) != len(tc.labels) {
			t.Fatalf("%v: expected %d components, got %d", tc.typ, len(tc.labels), len(comps))
		}
		for i, c := range comps {
			if c.Label != tc.labels[i] || c.Index != i {
				t.Fatalf("%v: expected %s at %d, got %+v", tc.typ, tc.labels[i], i, c)
			}
		}
		if m.DOFPerAntenna() != tc.dof {
			t.Fatalf("%v: expected %d dof, got %d", tc.typ, tc.dof, m.DOFPerAntenna())
		}
	}
}

func TestGainsStartAtUnity(t *testing.T) {
	m := newTestMachine(t, Options{Type: TFPlane}, 2, 3, 4, 3)
	g := m.Gains()
	for i := 0; i < len(g.Data); i += blockSize {
		if g.Data[i] != 1 || g.Data[i+3] != 1 || g.Data[i+1] != 0 || g.Data[i+2] != 0 {
			t.Fatalf("expected identity gain block, got %v", g.Data[i:i+blockSize])
		}
	}
}

func TestIntervalCounts(t *testing.T) {
	for _, tInt := range []int{2, 3, 5} {
		for _, nTime := range []int{2 * tInt, 2*tInt - 1} {
			m := newTestMachine(t, Options{Type: TSlope, TInt: tInt}, 1, nTime, 1, 1)
			nt, nf := m.NIntervals()
			if nt != 2 || nf != 1 {
				t.Fatalf("t_int=%d n_time=%d: expected (2,1) intervals, got (%d,%d)", tInt, nTime, nt, nf)
			}
		}
	}
}

func TestRestrictSolutionPinsReferenceAntenna(t *testing.T) {
	for _, typ := range []SlopeType{TFPlane, FSlope, TSlope} {
		m := newTestMachine(t, Options{Type: typ, RefAnt: RefAntenna(1), TInt: 2, FInt: 2}, 2, 4, 5, 3)
		if err := m.ImplementUpdate(rampJHR(m), identityInverse(m)); err != nil {
			t.Fatalf("ImplementUpdate: %v", err)
		}
		p := m.Params()
		nonZero := false
		for d := 0; d < p.NDir; d++ {
			for ti := 0; ti < p.NTInt; ti++ {
				for fi := 0; fi < p.NFInt; fi++ {
					for k := 0; k < p.NComp; k++ {
						for c := 0; c < NCorr; c++ {
							if v := p.At(d, ti, fi, 1, k, c); v != 0 {
								t.Fatalf("%v: expected reference antenna pinned to 0, got %g", typ, v)
							}
							if p.At(d, ti, fi, 0, k, c) != 0 {
								nonZero = true
							}
						}
					}
				}
			}
		}
		if !nonZero {
			t.Fatalf("%v: expected non-reference antennas to move", typ)
		}
	}
}

func TestRestrictSolutionZeroesFixedDirections(t *testing.T) {
	m := newTestMachine(t, Options{Type: TFPlane, FixDirections: []int{1}}, 3, 3, 3, 2)
	if err := m.ImplementUpdate(rampJHR(m), identityInverse(m)); err != nil {
		t.Fatalf("ImplementUpdate: %v", err)
	}
	p := m.Params()
	n := p.NTInt * p.NFInt * p.NAnt * p.NComp * NCorr
	for i, v := range p.Data[n : 2*n] {
		if v != 0 {
			t.Fatalf("expected fixed direction parameter %d to be 0, got %g", i, v)
		}
	}
	g := m.Gains()
	for ti := 0; ti < g.NTime; ti++ {
		for f := 0; f < g.NFreq; f++ {
			for a := 0; a < g.NAnt; a++ {
				for c := 0; c < NCorr; c++ {
					if v := g.Diag(1, ti, f, a, c); v != 1 {
						t.Fatalf("expected unity gain in fixed direction, got %v", v)
					}
				}
				if v := g.Diag(0, ti, f, a, 0); v == 1 {
					t.Fatalf("expected free direction gain to move at t=%d f=%d a=%d", ti, f, a)
				}
			}
		}
	}
}

func TestGainsStayUnitModulus(t *testing.T) {
	m := newTestMachine(t, Options{Type: TFPlane, TInt: 2, FInt: 3}, 2, 5, 7, 4)
	jhr := rampJHR(m)
	for i := range jhr.Data {
		jhr.Data[i] *= 300
	}
	inv := identityInverse(m)
	for iter := 0; iter < 3; iter++ {
		if err := m.ImplementUpdate(jhr, inv); err != nil {
			t.Fatalf("ImplementUpdate: %v", err)
		}
	}
	g := m.Gains()
	for d := 0; d < g.NDir; d++ {
		for ti := 0; ti < g.NTime; ti++ {
			for f := 0; f < g.NFreq; f++ {
				for a := 0; a < g.NAnt; a++ {
					for c := 0; c < NCorr; c++ {
						if r := cmplx.Abs(g.Diag(d, ti, f, a, c)); math.Abs(r-1) > tol {
							t.Fatalf("expected |g| = 1, got %.17g", r)
						}
					}
				}
			}
		}
	}
}

func TestDampingAlternates(t *testing.T) {
	m := newTestMachine(t, Options{Type: FSlope}, 1, 2, 3, 2)
	jhr, inv := rampJHR(m), identityInverse(m)

	before := m.Params()
	if err := m.ImplementUpdate(jhr, inv); err != nil {
		t.Fatalf("ImplementUpdate: %v", err)
	}
	mid := m.Params()
	if err := m.ImplementUpdate(jhr, inv); err != nil {
		t.Fatalf("ImplementUpdate: %v", err)
	}
	after := m.Params()

	for i := range before.Data {
		d0 := mid.Data[i] - before.Data[i]
		d1 := after.Data[i] - mid.Data[i]
		if d0 != 0.5*jhr.Data[i] {
			t.Fatalf("expected half step %g on iteration 0, got %g", 0.5*jhr.Data[i], d0)
		}
		if math.Abs(d1-2*d0) > tol {
			t.Fatalf("expected iteration 1 step to double iteration 0 step: %g vs %g", d1, d0)
		}
	}
	if m.Iterations() != 2 {
		t.Fatalf("expected 2 iterations, got %d", m.Iterations())
	}
}

func TestPosteriorErrors(t *testing.T) {
	m := newTestMachine(t, Options{Type: TFPlane, TInt: 2}, 1, 4, 2, 2)
	inv := identityInverse(m)
	for i := range inv.Data {
		inv.Data[i] *= 4
	}
	if err := m.ImplementUpdate(rampJHR(m), inv); err != nil {
		t.Fatalf("ImplementUpdate: %v", err)
	}
	for _, v := range m.SlopeErrors().Data {
		if v != 2 {
			t.Fatalf("expected slope error sqrt(4) = 2, got %g", v)
		}
	}
	ge := m.GainErrors()
	want := math.Sqrt(12)
	for ti := 0; ti < ge.NTime; ti++ {
		for f := 0; f < ge.NFreq; f++ {
			for a := 0; a < ge.NAnt; a++ {
				for c := 0; c < NCorr; c++ {
					if v := ge.Diag(0, ti, f, a, c); math.Abs(v-want) > tol {
						t.Fatalf("expected gain error %g, got %g", want, v)
					}
				}
			}
		}
	}
}

func TestPrecomputeInvertsBlocks(t *testing.T) {
	m := newTestMachine(t, Options{Type: FSlope, FInt: 2}, 1, 1, 2, 2)
	model := unitModel(1, 1, 2, 2)
	if err := m.PrecomputeAttributes(model); err != nil {
		t.Fatalf("PrecomputeAttributes: %v", err)
	}
	obs := model.Like()
	_, inv, flags, err := m.ComputeJHR(obs, model)
	if err != nil {
		t.Fatalf("ComputeJHR: %v", err)
	}
	if flags != 0 {
		t.Fatalf("expected no flags, got %d", flags)
	}
	// JHJ = [[1 1] [1 2]] for nu in {0, 1}
	want := []float64{2, -1, 1}
	for a := 0; a < 2; a++ {
		for c := 0; c < NCorr; c++ {
			for blk, w := range want {
				if v := inv.At(0, 0, 0, a, blk, c); math.Abs(v-w) > tol {
					t.Fatalf("block %d: expected %g, got %g", blk, w, v)
				}
			}
		}
	}
}

func TestPrecomputeSingularBlockIsZero(t *testing.T) {
	// a single time sample makes the rate column vanish
	m := newTestMachine(t, Options{Type: TSlope}, 1, 1, 3, 2)
	model := unitModel(1, 1, 3, 2)
	if err := m.PrecomputeAttributes(model); err != nil {
		t.Fatalf("PrecomputeAttributes: %v", err)
	}
	_, inv, _, err := m.ComputeJHR(model.Like(), model)
	if err != nil {
		t.Fatalf("ComputeJHR: %v", err)
	}
	for i, v := range inv.Data {
		if v != 0 {
			t.Fatalf("expected zeroed inverse for singular block, entry %d is %g", i, v)
		}
	}
}

func TestComputeJHRRequiresPrecompute(t *testing.T) {
	m := newTestMachine(t, Options{Type: FSlope}, 1, 1, 2, 2)
	model := unitModel(1, 1, 2, 2)
	if _, _, _, err := m.ComputeJHR(model.Like(), model); !errors.Is(err, ErrNotPrecomputed) {
		t.Fatalf("expected ErrNotPrecomputed, got %v", err)
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	m := newTestMachine(t, Options{Type: FSlope}, 1, 2, 2, 3)
	model := unitModel(1, 2, 2, 3)
	if _, err := m.ComputeResidual(NewVisibilities(1, 2, 2, 4), model); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for observed, got %v", err)
	}
	if _, err := m.ComputeResidual(model.Like(), unitModel(2, 2, 2, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for model, got %v", err)
	}
	short := model.Like()
	short.Data = short.Data[:len(short.Data)-1]
	if _, _, err := m.ApplyInvGains(short); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for truncated data, got %v", err)
	}
	bad := NewParamTensor(1, 1, 1, 3, 2)
	if err := m.ImplementUpdate(bad, identityInverse(m)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for jhr, got %v", err)
	}
}

func truthTables(m *Machine) map[string]Solution {
	shape := []int{m.nDir, m.nTInt, m.nFInt, m.nAnt, NCorr}
	n := m.nDir * m.nTInt * m.nFInt * m.nAnt * NCorr
	out := make(map[string]Solution)
	for k, comp := range m.Components() {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = 0.2*math.Sin(float64(3*i+k+1)) + 0.05*float64(k)
		}
		out[comp.Label] = Solution{Axes: SolutionAxes, Shape: shape, Values: vals}
	}
	return out
}

func TestResidualVanishesForPerfectGains(t *testing.T) {
	m := newTestMachine(t, Options{Type: TFPlane, TInt: 2, FInt: 2}, 2, 4, 5, 4)
	if err := m.ImportSolutions(truthTables(m)); err != nil {
		t.Fatalf("ImportSolutions: %v", err)
	}
	sky := SkyModel{
		Antennas: [][2]float64{{0, 0}, {120, 35}, {-60, 210}, {300, -90}},
		Sources:  []Source{{L: 0, M: 0, Flux: 1}, {L: 0.01, M: -0.02, Flux: 0.4}},
	}
	model, err := sky.Predict(4, linspace(1.0e9, 1.2e9, 5))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	obs, err := CorruptVisibilities(model, m.Gains(), 0)
	if err != nil {
		t.Fatalf("CorruptVisibilities: %v", err)
	}
	resid, err := m.ComputeResidual(obs, model)
	if err != nil {
		t.Fatalf("ComputeResidual: %v", err)
	}
	for i, v := range resid.Data {
		if cmplx.Abs(v) > tol {
			t.Fatalf("expected zero residual, entry %d is %v", i, v)
		}
	}
}

func TestApplyInvGainsUndoesCorruption(t *testing.T) {
	m := newTestMachine(t, Options{Type: FSlope}, 1, 2, 6, 3)
	if err := m.ImportSolutions(truthTables(m)); err != nil {
		t.Fatalf("ImportSolutions: %v", err)
	}
	sky := SkyModel{
		Antennas: [][2]float64{{0, 0}, {50, 80}, {-140, 20}},
		Sources:  []Source{{L: 0.003, M: 0.001, Flux: 2}},
	}
	model, err := sky.Predict(2, linspace(1.0e9, 1.2e9, 6))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	obs, err := CorruptVisibilities(model, m.Gains(), 0)
	if err != nil {
		t.Fatalf("CorruptVisibilities: %v", err)
	}
	corrected, flags, err := m.ApplyInvGains(obs)
	if err != nil {
		t.Fatalf("ApplyInvGains: %v", err)
	}
	if flags != 0 {
		t.Fatalf("expected no flags, got %d", flags)
	}
	want := model.Direction(0)
	for i := range corrected.Data {
		if cmplx.Abs(corrected.Data[i]-want.Data[i]) > tol {
			t.Fatalf("entry %d: expected %v, got %v", i, want.Data[i], corrected.Data[i])
		}
	}
}
