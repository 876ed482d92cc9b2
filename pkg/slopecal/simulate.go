package slopecal

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat/distuv"
)

const speedOfLight = 299792458.0

// Source is an unpolarised point source at direction cosines (L, M).
type Source struct {
	L    float64
	M    float64
	Flux float64
}

// SkyModel is a set of point sources seen by an array of antennas with
// east/north positions in metres.
type SkyModel struct {
	Antennas [][2]float64
	Sources  []Source
}

// Predict returns a single-model tensor with one direction per source.
// Autocorrelations are zero and every baseline pair (p, q), (q, p) is
// Hermitian, as the slope Jacobian requires.
func (s SkyModel) Predict(nTime int, freqs []float64) (*ModelVisibilities, error) {
	if len(s.Sources) == 0 || len(s.Antennas) == 0 || nTime <= 0 || len(freqs) == 0 {
		return nil, fmt.Errorf("%w: empty sky model or grid", ErrShapeMismatch)
	}
	nAnt := len(s.Antennas)
	model := NewModelVisibilities(len(s.Sources), 1, nTime, len(freqs), nAnt)
	for d, src := range s.Sources {
		for t := 0; t < nTime; t++ {
			for f, nu := range freqs {
				k := -2 * math.Pi * nu / speedOfLight
				for p := 0; p < nAnt; p++ {
					for q := 0; q < nAnt; q++ {
						if p == q {
							continue
						}
						u := s.Antennas[p][0] - s.Antennas[q][0]
						v := s.Antennas[p][1] - s.Antennas[q][1]
						vis := complex(src.Flux, 0) * cmplx.Rect(1, k*(u*src.L+v*src.M))
						b := model.Block(d, 0, t, f, p, q)
						b[0] = vis
						b[3] = vis
					}
				}
			}
		}
	}
	return model, nil
}

// CorruptVisibilities returns Σ_d G_p M_d G_qᴴ plus complex Gaussian noise
// of the given per-component sigma. Noise keeps the (p, q)/(q, p) Hermitian
// pairing and autocorrelations stay noise-free.
func CorruptVisibilities(model *ModelVisibilities, gains *Gains, noiseSigma float64) (*Visibilities, error) {
	if err := model.check(); err != nil {
		return nil, err
	}
	if gains.NDir != model.NDir || gains.NTime != model.NTime || gains.NFreq != model.NFreq || gains.NAnt != model.NAnt {
		return nil, fmt.Errorf("%w: gains are (%d,%d,%d,%d), model is (%d,%d,%d,%d)", ErrShapeMismatch,
			gains.NDir, gains.NTime, gains.NFreq, gains.NAnt, model.NDir, model.NTime, model.NFreq, model.NAnt)
	}

	obs := model.Like()
	for d := 0; d < model.NDir; d++ {
		for m := 0; m < model.NMod; m++ {
			for t := 0; t < model.NTime; t++ {
				for f := 0; f < model.NFreq; f++ {
					for p := 0; p < model.NAnt; p++ {
						gp := gains.Data[gains.Index(d, t, f, p):]
						for q := 0; q < model.NAnt; q++ {
							gq := gains.Data[gains.Index(d, t, f, q):]
							mb := model.Block(d, m, t, f, p, q)
							ob := obs.Block(m, t, f, p, q)
							for i := 0; i < NCorr; i++ {
								for j := 0; j < NCorr; j++ {
									ob[i*NCorr+j] += gp[diagOffset[i]] * mb[i*NCorr+j] * cmplx.Conj(gq[diagOffset[j]])
								}
							}
						}
					}
				}
			}
		}
	}

	if noiseSigma <= 0 {
		return obs, nil
	}
	noise := distuv.Normal{Mu: 0, Sigma: noiseSigma}
	for m := 0; m < obs.NMod; m++ {
		for t := 0; t < obs.NTime; t++ {
			for f := 0; f < obs.NFreq; f++ {
				for p := 0; p < obs.NAnt; p++ {
					for q := p + 1; q < obs.NAnt; q++ {
						pq := obs.Block(m, t, f, p, q)
						qp := obs.Block(m, t, f, q, p)
						for i := 0; i < NCorr; i++ {
							for j := 0; j < NCorr; j++ {
								n := complex(noise.Rand(), noise.Rand())
								pq[i*NCorr+j] += n
								qp[j*NCorr+i] += cmplx.Conj(n)
							}
						}
					}
				}
			}
		}
	}
	return obs, nil
}

// RandomArray draws n antenna positions uniformly inside a square of the
// given half-width.
func RandomArray(n int, radius float64) [][2]float64 {
	pos := distuv.Uniform{Min: -radius, Max: radius}
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{pos.Rand(), pos.Rand()}
	}
	return out
}

// RandomSlopes draws a solution table for every component of m's slope type,
// each value normal with zero mean and the standard deviation given by
// sigmas[label]. Labels without a sigma are left out. The result is meant
// for ImportSolutions.
func RandomSlopes(m *Machine, sigmas map[string]float64) map[string]Solution {
	grid := m.IntervalGrid()
	n := m.nDir * m.nTInt * m.nFInt * m.nAnt * NCorr
	out := make(map[string]Solution)
	for _, comp := range m.kernel.basis.components() {
		sigma, ok := sigmas[comp.Label]
		if !ok || sigma <= 0 {
			continue
		}
		dist := distuv.Normal{Mu: 0, Sigma: sigma}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = dist.Rand()
		}
		out[comp.Label] = Solution{
			Axes:   SolutionAxes,
			Shape:  []int{m.nDir, m.nTInt, m.nFInt, m.nAnt, NCorr},
			Values: vals,
			Grid:   grid,
		}
	}
	return out
}
