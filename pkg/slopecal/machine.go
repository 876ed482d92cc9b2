package slopecal

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Machine is the diagonal phase-only slope gain machine for one calibration
// chunk. It exclusively owns its parameter, gain and error tensors; accessors
// hand out copies. A Machine is not safe for concurrent use.
type Machine struct {
	opts   Options
	kernel *kernel

	nDir, nMod         int
	nTime, nFreq, nAnt int
	nTInt, nFInt       int
	times, freqs       []float64
	params             *ParamTensor
	gains              *Gains
	jhjinv             *ParamTensor
	slopeErr           *ParamTensor
	gainErr            *GainErrors
	fixed              map[int]bool
	iters              int
}

// GainErrors holds the posterior gain-phase error on the full-resolution grid
// over (dir, time, freq, ant, corr, corr); only the diagonal is populated.
type GainErrors struct {
	NDir  int
	NTime int
	NFreq int
	NAnt  int
	Data  []float64
}

// Index returns the offset of the 2x2 block for (d, t, f, a).
func (e *GainErrors) Index(d, t, f, a int) int {
	return (((d*e.NTime+t)*e.NFreq+f)*e.NAnt + a) * blockSize
}

// Diag returns the error of diagonal correlation c at (d, t, f, a).
func (e *GainErrors) Diag(d, t, f, a, c int) float64 {
	return e.Data[e.Index(d, t, f, a)+diagOffset[c]]
}

// New creates a machine for a chunk with the given raw time and frequency
// coordinates. Parameters start at zero, so gains start at unity.
func New(opts Options, nDir, nMod int, times, freqs []float64, nAnt int) (*Machine, error) {
	if opts.TInt <= 0 || opts.FInt <= 0 {
		return nil, fmt.Errorf("interval widths must be positive, got t_int=%d f_int=%d", opts.TInt, opts.FInt)
	}
	if nDir <= 0 || nMod <= 0 || nAnt <= 0 || len(times) == 0 || len(freqs) == 0 {
		return nil, fmt.Errorf("%w: empty chunk (dir=%d mod=%d time=%d freq=%d ant=%d)",
			ErrShapeMismatch, nDir, nMod, len(times), len(freqs), nAnt)
	}
	if opts.RefAnt != nil && (*opts.RefAnt < 0 || *opts.RefAnt >= nAnt) {
		return nil, fmt.Errorf("reference antenna %d out of range [0, %d)", *opts.RefAnt, nAnt)
	}
	fixed := make(map[int]bool, len(opts.FixDirections))
	for _, d := range opts.FixDirections {
		if d < 0 || d >= nDir {
			return nil, fmt.Errorf("fixed direction %d out of range [0, %d)", d, nDir)
		}
		fixed[d] = true
	}

	k, err := newKernel(opts.Type, Normalize(times), Normalize(freqs), opts.TInt, opts.FInt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, opts.Type)
	}

	m := &Machine{
		opts:   opts,
		kernel: k,
		nDir:   nDir,
		nMod:   nMod,
		nTime:  len(times),
		nFreq:  len(freqs),
		nAnt:   nAnt,
		nTInt:  NumIntervals(len(times), opts.TInt),
		nFInt:  NumIntervals(len(freqs), opts.FInt),
		times:  append([]float64(nil), times...),
		freqs:  append([]float64(nil), freqs...),
		fixed:  fixed,
	}
	m.opts.FixDirections = append([]int(nil), opts.FixDirections...)
	m.params = NewParamTensor(nDir, m.nTInt, m.nFInt, nAnt, k.nParam)
	m.slopeErr = NewParamTensor(nDir, m.nTInt, m.nFInt, nAnt, k.nParam)
	m.gains = NewGains(nDir, m.nTime, m.nFreq, nAnt)
	m.gainErr = &GainErrors{
		NDir:  nDir,
		NTime: m.nTime,
		NFreq: m.nFreq,
		NAnt:  nAnt,
		Data:  make([]float64, len(m.gains.Data)),
	}
	k.ConstructGains(m.params, m.gains)
	return m, nil
}

// Type returns the slope type.
func (m *Machine) Type() SlopeType { return m.opts.Type }

// NParam returns the number of slope components.
func (m *Machine) NParam() int { return m.kernel.nParam }

// NIntervals returns the number of time and frequency intervals.
func (m *Machine) NIntervals() (int, int) { return m.nTInt, m.nFInt }

// Iterations returns the number of updates applied so far.
func (m *Machine) Iterations() int { return m.iters }

// DOFPerAntenna returns the real degrees of freedom per antenna per interval.
func (m *Machine) DOFPerAntenna() int { return 2 * m.kernel.nParam }

// Components returns the ordered (label, component index) table of the slope type.
func (m *Machine) Components() []Component {
	return append([]Component(nil), m.kernel.basis.components()...)
}

// Params returns a copy of the slope parameters.
func (m *Machine) Params() *ParamTensor { return m.params.Clone() }

// Gains returns a copy of the current gains.
func (m *Machine) Gains() *Gains { return m.gains.Clone() }

// SlopeErrors returns a copy of the posterior slope-parameter errors.
func (m *Machine) SlopeErrors() *ParamTensor { return m.slopeErr.Clone() }

// GainErrors returns a copy of the posterior gain-phase errors.
func (m *Machine) GainErrors() *GainErrors {
	c := *m.gainErr
	c.Data = append([]float64(nil), m.gainErr.Data...)
	return &c
}

// IntervalGrid returns the raw coordinate of the first sample of every interval.
func (m *Machine) IntervalGrid() Grid {
	return Grid{
		Time: IntervalStarts(m.times, m.opts.TInt),
		Freq: IntervalStarts(m.freqs, m.opts.FInt),
	}
}

// GainGrid returns the full-resolution raw grid.
func (m *Machine) GainGrid() Grid {
	return Grid{
		Time: append([]float64(nil), m.times...),
		Freq: append([]float64(nil), m.freqs...),
	}
}

func (m *Machine) checkObserved(v *Visibilities, what string) error {
	if err := v.check(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if v.NMod != m.nMod || v.NTime != m.nTime || v.NFreq != m.nFreq || v.NAnt != m.nAnt {
		return fmt.Errorf("%w: %s is (%d,%d,%d,%d), chunk is (%d,%d,%d,%d)", ErrShapeMismatch, what,
			v.NMod, v.NTime, v.NFreq, v.NAnt, m.nMod, m.nTime, m.nFreq, m.nAnt)
	}
	return nil
}

func (m *Machine) checkModel(v *ModelVisibilities) error {
	if err := v.check(); err != nil {
		return err
	}
	if v.NDir != m.nDir || v.NMod != m.nMod || v.NTime != m.nTime || v.NFreq != m.nFreq || v.NAnt != m.nAnt {
		return fmt.Errorf("%w: model is (%d,%d,%d,%d,%d), chunk is (%d,%d,%d,%d,%d)", ErrShapeMismatch,
			v.NDir, v.NMod, v.NTime, v.NFreq, v.NAnt, m.nDir, m.nMod, m.nTime, m.nFreq, m.nAnt)
	}
	return nil
}

func (m *Machine) checkParams(p *ParamTensor, nComp int, what string) error {
	if p.NDir != m.nDir || p.NTInt != m.nTInt || p.NFInt != m.nFInt || p.NAnt != m.nAnt || p.NComp != nComp ||
		len(p.Data) != m.nDir*m.nTInt*m.nFInt*m.nAnt*nComp*NCorr {
		return fmt.Errorf("%w: %s is (%d,%d,%d,%d,%d)", ErrShapeMismatch, what, p.NDir, p.NTInt, p.NFInt, p.NAnt, p.NComp)
	}
	return nil
}

// PrecomputeAttributes computes JHJ⁻¹, which depends only on the model and
// the grid and therefore stays fixed for the chunk.
func (m *Machine) PrecomputeAttributes(model *ModelVisibilities) error {
	if err := m.checkModel(model); err != nil {
		return err
	}
	tmp := make([]float64, m.nDir*m.nMod*m.nTime*m.nFreq*m.nAnt*NCorr)
	m.kernel.ComputeTmpJHJ(model, tmp)

	jhj := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nBlock)
	m.kernel.ComputeJHJ(tmp, m.nMod, jhj)

	jhjinv := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nBlock)
	m.kernel.ComputeJHJInv(jhj, jhjinv, m.opts.Eps)
	m.jhjinv = jhjinv
	return nil
}

// ComputeJHR returns JHR in slope-parameter space, a copy of the precomputed
// JHJ⁻¹ and the number of newly flagged visibilities (always zero).
func (m *Machine) ComputeJHR(obs *Visibilities, model *ModelVisibilities) (*ParamTensor, *ParamTensor, int, error) {
	if m.jhjinv == nil {
		return nil, nil, 0, ErrNotPrecomputed
	}
	if err := m.checkObserved(obs, "observed"); err != nil {
		return nil, nil, 0, err
	}
	if err := m.checkModel(model); err != nil {
		return nil, nil, 0, err
	}

	jh := NewModelVisibilities(m.nDir, m.nMod, m.nTime, m.nFreq, m.nAnt)
	m.kernel.ComputeJH(model, m.gains, jh)

	r := obs
	if m.nDir > 1 {
		r = obs.Clone()
		m.kernel.ComputeResidual(model, m.gains, r)
	}

	tmp := make([]complex128, m.nDir*m.nTime*m.nFreq*m.nAnt*NCorr)
	m.kernel.ComputeTmpJHR(m.gains, jh, r, tmp)
	im := make([]float64, len(tmp))
	for i, v := range tmp {
		im[i] = imag(v)
	}

	jhr := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nParam)
	m.kernel.ComputeJHR(im, jhr)
	return jhr, m.jhjinv.Clone(), 0, nil
}

// ImplementUpdate applies one damped update: posterior errors are taken from
// the diagonal of JHJ⁻¹, the raw update JHJ⁻¹·JHR is added at half weight on
// even iterations and full weight on odd ones, the solution is restricted and
// the gains rebuilt.
func (m *Machine) ImplementUpdate(jhr, jhjinv *ParamTensor) error {
	if err := m.checkParams(jhr, m.kernel.nParam, "jhr"); err != nil {
		return err
	}
	if err := m.checkParams(jhjinv, m.kernel.nBlock, "jhjinv"); err != nil {
		return err
	}

	m.updatePosteriorErrors(jhjinv)

	update := NewParamTensor(m.nDir, m.nTInt, m.nFInt, m.nAnt, m.kernel.nParam)
	m.kernel.ComputeUpdate(jhr, jhjinv, update)

	scale := 1.0
	if m.iters%2 == 0 {
		scale = 0.5
	}
	for i, u := range update.Data {
		m.params.Data[i] += scale * u
	}
	m.iters++

	m.RestrictSolution()
	m.kernel.ConstructGains(m.params, m.gains)
	return nil
}

func (m *Machine) updatePosteriorErrors(jhjinv *ParamTensor) {
	diag := m.kernel.basis.diagBlocks()
	gerr := make([]float64, m.nDir*m.nTInt*m.nFInt*m.nAnt*NCorr)
	for d := 0; d < m.nDir; d++ {
		for ti := 0; ti < m.nTInt; ti++ {
			for fi := 0; fi < m.nFInt; fi++ {
				for a := 0; a < m.nAnt; a++ {
					for c := 0; c < NCorr; c++ {
						var sum float64
						for k, blk := range diag {
							v := jhjinv.At(d, ti, fi, a, blk, c)
							m.slopeErr.Set(d, ti, fi, a, k, c, math.Sqrt(v))
							sum += v
						}
						gerr[(((d*m.nTInt+ti)*m.nFInt+fi)*m.nAnt+a)*NCorr+c] = math.Sqrt(sum)
					}
				}
			}
		}
	}
	for d := 0; d < m.nDir; d++ {
		for t := 0; t < m.nTime; t++ {
			ti := t / m.opts.TInt
			for f := 0; f < m.nFreq; f++ {
				fi := f / m.opts.FInt
				for a := 0; a < m.nAnt; a++ {
					src := (((d*m.nTInt+ti)*m.nFInt+fi)*m.nAnt + a) * NCorr
					dst := m.gainErr.Index(d, t, f, a)
					m.gainErr.Data[dst+diagOffset[0]] = gerr[src]
					m.gainErr.Data[dst+diagOffset[1]] = gerr[src+1]
				}
			}
		}
	}
}

// RestrictSolution pins the reference antenna's slopes to zero by subtracting
// them from every antenna, and zeroes every fixed direction.
func (m *Machine) RestrictSolution() {
	p := m.params
	if ref := m.opts.RefAnt; ref != nil {
		for d := 0; d < p.NDir; d++ {
			for ti := 0; ti < p.NTInt; ti++ {
				for fi := 0; fi < p.NFInt; fi++ {
					for k := 0; k < p.NComp; k++ {
						for c := 0; c < NCorr; c++ {
							v := p.At(d, ti, fi, *ref, k, c)
							for a := 0; a < p.NAnt; a++ {
								p.Data[p.Index(d, ti, fi, a, k, c)] -= v
							}
						}
					}
				}
			}
		}
	}
	n := p.NTInt * p.NFInt * p.NAnt * p.NComp * NCorr
	for d := range m.fixed {
		clear(p.Data[d*n : (d+1)*n])
	}
}

// ComputeResidual returns observed − Σ_d G M_d Gᴴ.
func (m *Machine) ComputeResidual(obs *Visibilities, model *ModelVisibilities) (*Visibilities, error) {
	if err := m.checkObserved(obs, "observed"); err != nil {
		return nil, err
	}
	if err := m.checkModel(model); err != nil {
		return nil, err
	}
	r := obs.Clone()
	m.kernel.ComputeResidual(model, m.gains, r)
	return r, nil
}

// ApplyInvGains returns G⁻¹ R G⁻ᴴ using the first direction's gains. Gains are
// unit-modulus, so the conjugate is the exact inverse and no visibility is
// ever flagged; the returned count is always zero.
func (m *Machine) ApplyInvGains(resid *Visibilities) (*Visibilities, int, error) {
	if err := m.checkObserved(resid, "residual"); err != nil {
		return nil, 0, err
	}
	gInv := m.gains.Clone()
	for i, g := range gInv.Data {
		gInv.Data[i] = cmplx.Conj(g)
	}
	out := NewVisibilities(resid.NMod, resid.NTime, resid.NFreq, resid.NAnt)
	m.kernel.ComputeCorrected(resid, gInv, out)
	return out, 0, nil
}
