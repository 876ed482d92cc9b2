package slopecal

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// madScale converts a median absolute deviation into a Gaussian sigma.
const madScale = 1.4826

// ChiSquared returns the mean squared residual amplitude over every
// visibility entry, and the same mean per antenna (rows of the baseline
// matrix).
func ChiSquared(r *Visibilities) (float64, []float64) {
	perAnt := make([]float64, r.NAnt)
	if len(r.Data) == 0 {
		return 0, perAnt
	}
	for m := 0; m < r.NMod; m++ {
		for t := 0; t < r.NTime; t++ {
			for f := 0; f < r.NFreq; f++ {
				for p := 0; p < r.NAnt; p++ {
					for q := 0; q < r.NAnt; q++ {
						for _, v := range r.Block(m, t, f, p, q) {
							perAnt[p] += abs2(v)
						}
					}
				}
			}
		}
	}
	total := floats.Sum(perAnt) / float64(len(r.Data))
	floats.Scale(1/float64(len(r.Data)/r.NAnt), perAnt)
	return total, perAnt
}

// MedianMAD returns the (lower) median of values and their median absolute
// deviation scaled to a Gaussian sigma.
func MedianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	return median, madScale * stat.Quantile(0.5, stat.Empirical, deviations, nil)
}

// NoisyAntennas returns the antennas whose chi-square exceeds
// median + kappa·MAD.
func NoisyAntennas(chi2 []float64, kappa float64) []int {
	if len(chi2) == 0 {
		return nil
	}
	median, mad := MedianMAD(chi2)
	var out []int
	for a, v := range chi2 {
		if v > median+kappa*mad {
			out = append(out, a)
		}
	}
	return out
}

func maxAbsDiff(a, b []complex128) float64 {
	var worst float64
	for i := range a {
		d := cmplx.Abs(a[i] - b[i])
		if d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}

// NoiseEstimate is the result of ResidualNoise.
type NoiseEstimate struct {
	Mean       float64
	Sigma      float64
	Iterations int
}

// ResidualNoise estimates the per-component noise of a residual from the real
// and imaginary parts of its cross-correlations. Values further than
// kappa·sigma from the mean are clipped and the statistics recomputed until
// sigma moves by at most allowedError, or maxIter passes were made.
func ResidualNoise(r *Visibilities, kappa, allowedError float64, maxIter int) NoiseEstimate {
	vals := make([]float64, 0, 2*len(r.Data))
	for m := 0; m < r.NMod; m++ {
		for t := 0; t < r.NTime; t++ {
			for f := 0; f < r.NFreq; f++ {
				for p := 0; p < r.NAnt; p++ {
					for q := 0; q < r.NAnt; q++ {
						if p == q {
							continue
						}
						for _, v := range r.Block(m, t, f, p, q) {
							vals = append(vals, real(v), imag(v))
						}
					}
				}
			}
		}
	}
	if len(vals) < 2 {
		return NoiseEstimate{Mean: math.NaN(), Sigma: math.NaN()}
	}

	weights := make([]float64, len(vals))
	for i := range weights {
		weights[i] = 1
	}
	var est NoiseEstimate
	for est.Iterations < maxIter {
		mean, sigma := stat.MeanStdDev(vals, weights)
		est.Iterations++
		converged := est.Iterations > 1 && math.Abs(sigma-est.Sigma) <= allowedError
		est.Mean, est.Sigma = mean, sigma
		if converged {
			break
		}

		kept := 0
		for i, v := range vals {
			if math.Abs(v-mean) <= kappa*sigma {
				weights[i] = 1
				kept++
			} else {
				weights[i] = 0
			}
		}
		if kept < 2 {
			break
		}
	}
	return est
}
