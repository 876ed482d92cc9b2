package slopecal

import "fmt"

// NCorr is the number of correlations per axis. Every visibility and gain
// entry is a 2x2 block stored row-major as (00, 01, 10, 11).
const NCorr = 2

const blockSize = NCorr * NCorr

// diagonal offsets of corr 0 and corr 1 inside a 2x2 block
var diagOffset = [NCorr]int{0, 3}

// Visibilities is an observed (or residual, or corrected) visibility tensor
// over (model, time, freq, ant-p, ant-q, corr, corr).
type Visibilities struct {
	NMod  int
	NTime int
	NFreq int
	NAnt  int
	Data  []complex128
}

// NewVisibilities allocates a zeroed visibility tensor.
func NewVisibilities(nMod, nTime, nFreq, nAnt int) *Visibilities {
	return &Visibilities{
		NMod:  nMod,
		NTime: nTime,
		NFreq: nFreq,
		NAnt:  nAnt,
		Data:  make([]complex128, nMod*nTime*nFreq*nAnt*nAnt*blockSize),
	}
}

// Index returns the offset of the 2x2 block for (m, t, f, p, q).
func (v *Visibilities) Index(m, t, f, p, q int) int {
	return ((((m*v.NTime+t)*v.NFreq+f)*v.NAnt+p)*v.NAnt + q) * blockSize
}

// Block returns the 2x2 block for (m, t, f, p, q) as a 4-element slice.
func (v *Visibilities) Block(m, t, f, p, q int) []complex128 {
	i := v.Index(m, t, f, p, q)
	return v.Data[i : i+blockSize]
}

// Clone returns a deep copy.
func (v *Visibilities) Clone() *Visibilities {
	c := *v
	c.Data = append([]complex128(nil), v.Data...)
	return &c
}

func (v *Visibilities) check() error {
	want := v.NMod * v.NTime * v.NFreq * v.NAnt * v.NAnt * blockSize
	if len(v.Data) != want {
		return fmt.Errorf("%w: visibilities hold %d values, shape needs %d", ErrShapeMismatch, len(v.Data), want)
	}
	return nil
}

// ModelVisibilities is a model tensor over
// (dir, model, time, freq, ant-p, ant-q, corr, corr).
type ModelVisibilities struct {
	NDir  int
	NMod  int
	NTime int
	NFreq int
	NAnt  int
	Data  []complex128
}

// NewModelVisibilities allocates a zeroed model tensor.
func NewModelVisibilities(nDir, nMod, nTime, nFreq, nAnt int) *ModelVisibilities {
	return &ModelVisibilities{
		NDir:  nDir,
		NMod:  nMod,
		NTime: nTime,
		NFreq: nFreq,
		NAnt:  nAnt,
		Data:  make([]complex128, nDir*nMod*nTime*nFreq*nAnt*nAnt*blockSize),
	}
}

// Index returns the offset of the 2x2 block for (d, m, t, f, p, q).
func (v *ModelVisibilities) Index(d, m, t, f, p, q int) int {
	return (((((d*v.NMod+m)*v.NTime+t)*v.NFreq+f)*v.NAnt+p)*v.NAnt + q) * blockSize
}

// Block returns the 2x2 block for (d, m, t, f, p, q).
func (v *ModelVisibilities) Block(d, m, t, f, p, q int) []complex128 {
	i := v.Index(d, m, t, f, p, q)
	return v.Data[i : i+blockSize]
}

// Direction returns a view of direction d sharing the underlying data.
func (v *ModelVisibilities) Direction(d int) *Visibilities {
	n := v.NMod * v.NTime * v.NFreq * v.NAnt * v.NAnt * blockSize
	return &Visibilities{
		NMod:  v.NMod,
		NTime: v.NTime,
		NFreq: v.NFreq,
		NAnt:  v.NAnt,
		Data:  v.Data[d*n : (d+1)*n],
	}
}

// Like allocates a zeroed observed-shaped tensor matching this model.
func (v *ModelVisibilities) Like() *Visibilities {
	return NewVisibilities(v.NMod, v.NTime, v.NFreq, v.NAnt)
}

func (v *ModelVisibilities) check() error {
	want := v.NDir * v.NMod * v.NTime * v.NFreq * v.NAnt * v.NAnt * blockSize
	if len(v.Data) != want {
		return fmt.Errorf("%w: model holds %d values, shape needs %d", ErrShapeMismatch, len(v.Data), want)
	}
	return nil
}

// Gains is a full-resolution gain tensor over (dir, time, freq, ant, corr, corr).
// Only the diagonal is populated.
type Gains struct {
	NDir  int
	NTime int
	NFreq int
	NAnt  int
	Data  []complex128
}

// NewGains allocates a zeroed gain tensor.
func NewGains(nDir, nTime, nFreq, nAnt int) *Gains {
	return &Gains{
		NDir:  nDir,
		NTime: nTime,
		NFreq: nFreq,
		NAnt:  nAnt,
		Data:  make([]complex128, nDir*nTime*nFreq*nAnt*blockSize),
	}
}

// Index returns the offset of the 2x2 block for (d, t, f, a).
func (g *Gains) Index(d, t, f, a int) int {
	return (((d*g.NTime+t)*g.NFreq+f)*g.NAnt + a) * blockSize
}

// Diag returns the diagonal entry c of the gain at (d, t, f, a).
func (g *Gains) Diag(d, t, f, a, c int) complex128 {
	return g.Data[g.Index(d, t, f, a)+diagOffset[c]]
}

// Clone returns a deep copy.
func (g *Gains) Clone() *Gains {
	c := *g
	c.Data = append([]complex128(nil), g.Data...)
	return &c
}

// ParamTensor is a real tensor over
// (dir, time-interval, freq-interval, ant, component, corr). It holds slope
// parameters, JHR, JHJ blocks and their inverse. Only the two diagonal
// correlations are stored; off-diagonal slope parameters are identically zero.
type ParamTensor struct {
	NDir  int
	NTInt int
	NFInt int
	NAnt  int
	NComp int
	Data  []float64
}

// NewParamTensor allocates a zeroed parameter tensor.
func NewParamTensor(nDir, nTInt, nFInt, nAnt, nComp int) *ParamTensor {
	return &ParamTensor{
		NDir:  nDir,
		NTInt: nTInt,
		NFInt: nFInt,
		NAnt:  nAnt,
		NComp: nComp,
		Data:  make([]float64, nDir*nTInt*nFInt*nAnt*nComp*NCorr),
	}
}

// Index returns the offset of (d, ti, fi, a, k, c).
func (p *ParamTensor) Index(d, ti, fi, a, k, c int) int {
	return ((((d*p.NTInt+ti)*p.NFInt+fi)*p.NAnt+a)*p.NComp+k)*NCorr + c
}

// At returns the value at (d, ti, fi, a, k, c).
func (p *ParamTensor) At(d, ti, fi, a, k, c int) float64 {
	return p.Data[p.Index(d, ti, fi, a, k, c)]
}

// Set stores v at (d, ti, fi, a, k, c).
func (p *ParamTensor) Set(d, ti, fi, a, k, c int, v float64) {
	p.Data[p.Index(d, ti, fi, a, k, c)] = v
}

// Clone returns a deep copy.
func (p *ParamTensor) Clone() *ParamTensor {
	c := *p
	c.Data = append([]float64(nil), p.Data...)
	return &c
}
