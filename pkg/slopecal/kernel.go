package slopecal

import (
	"errors"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// Normal-equation blocks are stored as the flattened upper triangle of the
// symmetric n_param x n_param matrix, row-major:
//
//	2 params: (0,0) (0,1) (1,1)                  -> diagonal at 0, 2
//	3 params: (0,0) (0,1) (0,2) (1,1) (1,2) (2,2) -> diagonal at 0, 3, 5
var (
	twoParamDiag   = []int{0, 2}
	threeParamDiag = []int{0, 3, 5}
)

// slopeBasis is the per-type part of a kernel: the parameter layout and the
// coefficients multiplying each slope component at a sample.
type slopeBasis interface {
	slopeType() SlopeType
	components() []Component
	diagBlocks() []int
	// eval writes the coefficient of every component at normalised time tau
	// and normalised frequency nu.
	eval(tau, nu float64, b []float64)
}

type tfPlaneBasis struct{}

func (tfPlaneBasis) slopeType() SlopeType { return TFPlane }
func (tfPlaneBasis) diagBlocks() []int    { return threeParamDiag }
func (tfPlaneBasis) components() []Component {
	return []Component{{LabelDelay, 0}, {LabelRate, 1}, {LabelPhase, 2}}
}
func (tfPlaneBasis) eval(tau, nu float64, b []float64) {
	b[0], b[1], b[2] = nu, tau, 1
}

type fSlopeBasis struct{}

func (fSlopeBasis) slopeType() SlopeType { return FSlope }
func (fSlopeBasis) diagBlocks() []int    { return twoParamDiag }
func (fSlopeBasis) components() []Component {
	return []Component{{LabelDelay, 0}, {LabelPhase, 1}}
}
func (fSlopeBasis) eval(_, nu float64, b []float64) {
	b[0], b[1] = nu, 1
}

type tSlopeBasis struct{}

func (tSlopeBasis) slopeType() SlopeType { return TSlope }
func (tSlopeBasis) diagBlocks() []int    { return twoParamDiag }
func (tSlopeBasis) components() []Component {
	return []Component{{LabelRate, 0}, {LabelPhase, 1}}
}
func (tSlopeBasis) eval(tau, _ float64, b []float64) {
	b[0], b[1] = tau, 1
}

// kernel implements the dense contractions of a slope machine on a fixed
// chunk grid. ts and fs are the normalised time and frequency coordinates.
type kernel struct {
	basis  slopeBasis
	nParam int
	nBlock int
	ts     []float64
	fs     []float64
	tInt   int
	fInt   int
	// tri[k][l] is the block holding entry (k, l) of the symmetric matrix
	tri [][]int
}

func newKernel(t SlopeType, ts, fs []float64, tInt, fInt int) (*kernel, error) {
	var b slopeBasis
	switch t {
	case TFPlane:
		b = tfPlaneBasis{}
	case FSlope:
		b = fSlopeBasis{}
	case TSlope:
		b = tSlopeBasis{}
	default:
		return nil, ErrUnknownSlopeType
	}
	n := len(b.components())
	k := &kernel{
		basis:  b,
		nParam: n,
		nBlock: n * (n + 1) / 2,
		ts:     ts,
		fs:     fs,
		tInt:   tInt,
		fInt:   fInt,
		tri:    make([][]int, n),
	}
	blk := 0
	for i := 0; i < n; i++ {
		k.tri[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.tri[i][j] = blk
			k.tri[j][i] = blk
			blk++
		}
	}
	return k, nil
}

// ComputeJH forms jh = G_p · M_pq for every model visibility.
func (k *kernel) ComputeJH(model *ModelVisibilities, g *Gains, jh *ModelVisibilities) {
	for d := 0; d < model.NDir; d++ {
		for m := 0; m < model.NMod; m++ {
			for t := 0; t < model.NTime; t++ {
				for f := 0; f < model.NFreq; f++ {
					for p := 0; p < model.NAnt; p++ {
						g0 := g.Diag(d, t, f, p, 0)
						g1 := g.Diag(d, t, f, p, 1)
						for q := 0; q < model.NAnt; q++ {
							src := model.Block(d, m, t, f, p, q)
							dst := jh.Block(d, m, t, f, p, q)
							dst[0] = g0 * src[0]
							dst[1] = g0 * src[1]
							dst[2] = g1 * src[2]
							dst[3] = g1 * src[3]
						}
					}
				}
			}
		}
	}
}

// ComputeTmpJHR accumulates Gᴴ_p · R_pq · JH_qp into tmp, indexed
// (dir, time, freq, ant, corr). The model is assumed Hermitian across the
// baseline axes, so JH_qp carries the conjugate model of baseline pq.
func (k *kernel) ComputeTmpJHR(g *Gains, jh *ModelVisibilities, r *Visibilities, tmp []complex128) {
	for d := 0; d < jh.NDir; d++ {
		for m := 0; m < jh.NMod; m++ {
			for t := 0; t < jh.NTime; t++ {
				for f := 0; f < jh.NFreq; f++ {
					for p := 0; p < jh.NAnt; p++ {
						gh0 := cmplx.Conj(g.Diag(d, t, f, p, 0))
						gh1 := cmplx.Conj(g.Diag(d, t, f, p, 1))
						i := (((d*jh.NTime+t)*jh.NFreq+f)*jh.NAnt + p) * NCorr
						for q := 0; q < jh.NAnt; q++ {
							rb := r.Block(m, t, f, p, q)
							jb := jh.Block(d, m, t, f, q, p)
							tmp[i] += gh0 * (rb[0]*jb[0] + rb[1]*jb[2])
							tmp[i+1] += gh1 * (rb[2]*jb[1] + rb[3]*jb[3])
						}
					}
				}
			}
		}
	}
}

// ComputeJHR bins the per-sample accumulator (dir, time, freq, ant, corr)
// into interval/component space, weighting each sample by its basis coefficient.
func (k *kernel) ComputeJHR(tmp []float64, jhr *ParamTensor) {
	b := make([]float64, k.nParam)
	nt, nf := len(k.ts), len(k.fs)
	for d := 0; d < jhr.NDir; d++ {
		for t := 0; t < nt; t++ {
			ti := t / k.tInt
			for f := 0; f < nf; f++ {
				fi := f / k.fInt
				k.basis.eval(k.ts[t], k.fs[f], b)
				for a := 0; a < jhr.NAnt; a++ {
					i := (((d*nt+t)*nf+f)*jhr.NAnt + a) * NCorr
					for c := 0; c < NCorr; c++ {
						v := tmp[i+c]
						for p := 0; p < k.nParam; p++ {
							jhr.Data[jhr.Index(d, ti, fi, a, p, c)] += b[p] * v
						}
					}
				}
			}
		}
	}
}

// ComputeTmpJHJ accumulates Σ_q |M_pq|² per row polarisation into tmp,
// indexed (dir, model, time, freq, ant, corr).
func (k *kernel) ComputeTmpJHJ(model *ModelVisibilities, tmp []float64) {
	for d := 0; d < model.NDir; d++ {
		for m := 0; m < model.NMod; m++ {
			for t := 0; t < model.NTime; t++ {
				for f := 0; f < model.NFreq; f++ {
					for p := 0; p < model.NAnt; p++ {
						i := ((((d*model.NMod+m)*model.NTime+t)*model.NFreq+f)*model.NAnt + p) * NCorr
						for q := 0; q < model.NAnt; q++ {
							mb := model.Block(d, m, t, f, p, q)
							tmp[i] += abs2(mb[0]) + abs2(mb[1])
							tmp[i+1] += abs2(mb[2]) + abs2(mb[3])
						}
					}
				}
			}
		}
	}
}

// ComputeJHJ bins tmp into one upper-triangle block per interval, antenna and
// correlation.
func (k *kernel) ComputeJHJ(tmp []float64, nMod int, jhj *ParamTensor) {
	b := make([]float64, k.nParam)
	nt, nf := len(k.ts), len(k.fs)
	for d := 0; d < jhj.NDir; d++ {
		for m := 0; m < nMod; m++ {
			for t := 0; t < nt; t++ {
				ti := t / k.tInt
				for f := 0; f < nf; f++ {
					fi := f / k.fInt
					k.basis.eval(k.ts[t], k.fs[f], b)
					for a := 0; a < jhj.NAnt; a++ {
						i := ((((d*nMod+m)*nt+t)*nf+f)*jhj.NAnt + a) * NCorr
						for c := 0; c < NCorr; c++ {
							v := tmp[i+c]
							blk := 0
							for p := 0; p < k.nParam; p++ {
								for q := p; q < k.nParam; q++ {
									jhj.Data[jhj.Index(d, ti, fi, a, blk, c)] += b[p] * b[q] * v
									blk++
								}
							}
						}
					}
				}
			}
		}
	}
}

// ComputeJHJInv inverts every block of jhj into jhjinv. Blocks whose
// determinant falls below eps are left at zero.
func (k *kernel) ComputeJHJInv(jhj, jhjinv *ParamTensor, eps float64) {
	n := k.nParam
	sym := mat.NewSymDense(n, nil)
	var inv mat.Dense
	for d := 0; d < jhj.NDir; d++ {
		for ti := 0; ti < jhj.NTInt; ti++ {
			for fi := 0; fi < jhj.NFInt; fi++ {
				for a := 0; a < jhj.NAnt; a++ {
					for c := 0; c < NCorr; c++ {
						for p := 0; p < n; p++ {
							for q := p; q < n; q++ {
								sym.SetSym(p, q, jhj.At(d, ti, fi, a, k.tri[p][q], c))
							}
						}
						if !k.invertBlock(sym, &inv, eps) {
							for blk := 0; blk < k.nBlock; blk++ {
								jhjinv.Set(d, ti, fi, a, blk, c, 0)
							}
							continue
						}
						for p := 0; p < n; p++ {
							for q := p; q < n; q++ {
								jhjinv.Set(d, ti, fi, a, k.tri[p][q], c, inv.At(p, q))
							}
						}
					}
				}
			}
		}
	}
}

func (k *kernel) invertBlock(sym *mat.SymDense, inv *mat.Dense, eps float64) bool {
	if mat.Det(sym) < eps {
		return false
	}
	inv.Reset()
	if err := inv.Inverse(sym); err != nil {
		// ill-conditioned but computed; only a hard failure is rejected
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return false
		}
	}
	return true
}

// ComputeUpdate forms update = JHJ⁻¹ · JHR per interval, antenna and correlation.
func (k *kernel) ComputeUpdate(jhr, jhjinv, update *ParamTensor) {
	for d := 0; d < jhr.NDir; d++ {
		for ti := 0; ti < jhr.NTInt; ti++ {
			for fi := 0; fi < jhr.NFInt; fi++ {
				for a := 0; a < jhr.NAnt; a++ {
					for c := 0; c < NCorr; c++ {
						for p := 0; p < k.nParam; p++ {
							var sum float64
							for q := 0; q < k.nParam; q++ {
								sum += jhjinv.At(d, ti, fi, a, k.tri[p][q], c) * jhr.At(d, ti, fi, a, q, c)
							}
							update.Set(d, ti, fi, a, p, c, sum)
						}
					}
				}
			}
		}
	}
}

// ConstructGains evaluates the slope model of every sample's interval and
// writes unit-modulus diagonal gains. Off-diagonal entries are zeroed.
func (k *kernel) ConstructGains(params *ParamTensor, g *Gains) {
	b := make([]float64, k.nParam)
	for d := 0; d < g.NDir; d++ {
		for t := 0; t < g.NTime; t++ {
			ti := t / k.tInt
			for f := 0; f < g.NFreq; f++ {
				fi := f / k.fInt
				k.basis.eval(k.ts[t], k.fs[f], b)
				for a := 0; a < g.NAnt; a++ {
					i := g.Index(d, t, f, a)
					for c := 0; c < NCorr; c++ {
						var phase float64
						for p := 0; p < k.nParam; p++ {
							phase += b[p] * params.At(d, ti, fi, a, p, c)
						}
						g.Data[i+diagOffset[c]] = cmplx.Rect(1, phase)
					}
					g.Data[i+1] = 0
					g.Data[i+2] = 0
				}
			}
		}
	}
}

// ComputeResidual subtracts G_p M_pq G_qᴴ, summed over directions, from r in place.
func (k *kernel) ComputeResidual(model *ModelVisibilities, g *Gains, r *Visibilities) {
	for d := 0; d < model.NDir; d++ {
		for m := 0; m < model.NMod; m++ {
			for t := 0; t < model.NTime; t++ {
				for f := 0; f < model.NFreq; f++ {
					for p := 0; p < model.NAnt; p++ {
						gp0 := g.Diag(d, t, f, p, 0)
						gp1 := g.Diag(d, t, f, p, 1)
						for q := 0; q < model.NAnt; q++ {
							gq0 := cmplx.Conj(g.Diag(d, t, f, q, 0))
							gq1 := cmplx.Conj(g.Diag(d, t, f, q, 1))
							mb := model.Block(d, m, t, f, p, q)
							rb := r.Block(m, t, f, p, q)
							rb[0] -= gp0 * mb[0] * gq0
							rb[1] -= gp0 * mb[1] * gq1
							rb[2] -= gp1 * mb[2] * gq0
							rb[3] -= gp1 * mb[3] * gq1
						}
					}
				}
			}
		}
	}
}

// ComputeCorrected writes Ginv_p R_pq Ginv_qᴴ into out using direction 0 of gInv.
func (k *kernel) ComputeCorrected(r *Visibilities, gInv *Gains, out *Visibilities) {
	for m := 0; m < r.NMod; m++ {
		for t := 0; t < r.NTime; t++ {
			for f := 0; f < r.NFreq; f++ {
				for p := 0; p < r.NAnt; p++ {
					gp0 := gInv.Diag(0, t, f, p, 0)
					gp1 := gInv.Diag(0, t, f, p, 1)
					for q := 0; q < r.NAnt; q++ {
						gq0 := cmplx.Conj(gInv.Diag(0, t, f, q, 0))
						gq1 := cmplx.Conj(gInv.Diag(0, t, f, q, 1))
						rb := r.Block(m, t, f, p, q)
						ob := out.Block(m, t, f, p, q)
						ob[0] = gp0 * rb[0] * gq0
						ob[1] = gp0 * rb[1] * gq1
						ob[2] = gp1 * rb[2] * gq0
						ob[3] = gp1 * rb[3] * gq1
					}
				}
			}
		}
	}
}

func abs2(z complex128) float64 {
	return real(z)*real(z) + imag(z)*imag(z)
}
