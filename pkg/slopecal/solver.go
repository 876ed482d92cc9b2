package slopecal

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
)

// SolverState reports why the solve loop stopped.
type SolverState int

const (
	StateIterating SolverState = iota
	StateConverged
	StateDiverged
	StateMaxIterations
)

func (s SolverState) String() string {
	switch s {
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateDiverged:
		return "diverged"
	case StateMaxIterations:
		return "max-iterations-reached"
	default:
		return "unknown"
	}
}

// clipKappa is the clipping threshold of the residual noise estimate.
const clipKappa = 3

// SolverOptions configures Solve.
type SolverOptions struct {
	MaxIter    int
	MinDeltaG  float64
	NoiseKappa float64
	Logger     logrus.FieldLogger
}

// NewSolverOptions returns solver options with default values.
func NewSolverOptions() *SolverOptions {
	return &SolverOptions{
		MaxIter:    50,
		MinDeltaG:  1e-6,
		NoiseKappa: 5,
	}
}

// SolverStats summarises one Solve call.
type SolverStats struct {
	State         SolverState
	Iterations    int
	InitialChi2   float64
	FinalChi2     float64
	DeltaG        float64
	AntennaChi2   []float64
	NoisyAntennas []int
	// Noise is the clipped noise estimate of the final residual.
	Noise         NoiseEstimate
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Solve precomputes JHJ⁻¹ for model and iterates ComputeJHR/ImplementUpdate
// until the largest gain change drops below MinDeltaG, the chi-square stops
// being finite, or MaxIter updates have been applied. ctx is checked between
// iterations; on cancellation the partial stats are returned with ctx.Err().
func Solve(ctx context.Context, m *Machine, obs *Visibilities, model *ModelVisibilities, opts *SolverOptions) (*SolverStats, error) {
	if opts == nil {
		opts = NewSolverOptions()
	}
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	log = log.WithField("type", m.Type().String())

	if err := m.PrecomputeAttributes(model); err != nil {
		return nil, fmt.Errorf("precompute: %w", err)
	}
	resid, err := m.ComputeResidual(obs, model)
	if err != nil {
		return nil, err
	}
	chi2, perAnt := ChiSquared(resid)
	stats := &SolverStats{
		State:       StateIterating,
		InitialChi2: chi2,
		FinalChi2:   chi2,
		AntennaChi2: perAnt,
	}

	for stats.State == StateIterating {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if stats.Iterations >= opts.MaxIter {
			stats.State = StateMaxIterations
			break
		}

		prev := m.gains.Clone()
		jhr, jhjinv, _, err := m.ComputeJHR(obs, model)
		if err != nil {
			return stats, err
		}
		if err := m.ImplementUpdate(jhr, jhjinv); err != nil {
			return stats, err
		}
		stats.Iterations++
		stats.DeltaG = maxAbsDiff(prev.Data, m.gains.Data)

		resid, err = m.ComputeResidual(obs, model)
		if err != nil {
			return stats, err
		}
		stats.FinalChi2, stats.AntennaChi2 = ChiSquared(resid)

		log.WithFields(logrus.Fields{
			"iter":   stats.Iterations,
			"chi2":   stats.FinalChi2,
			"deltaG": stats.DeltaG,
		}).Debug("slope update")

		switch {
		case math.IsNaN(stats.FinalChi2) || math.IsInf(stats.FinalChi2, 0) || math.IsNaN(stats.DeltaG):
			stats.State = StateDiverged
		case stats.DeltaG < opts.MinDeltaG:
			stats.State = StateConverged
		}
	}

	stats.NoisyAntennas = NoisyAntennas(stats.AntennaChi2, opts.NoiseKappa)
	stats.Noise = ResidualNoise(resid, clipKappa, 1e-9, 10)
	entry := log.WithFields(logrus.Fields{
		"state":      stats.State.String(),
		"iterations": stats.Iterations,
		"chi2_start": stats.InitialChi2,
		"chi2_end":   stats.FinalChi2,
		"noise":      stats.Noise.Sigma,
	})
	if stats.State == StateDiverged {
		entry.Warn("solve diverged")
	} else {
		entry.Info("solve finished")
	}
	if len(stats.NoisyAntennas) > 0 {
		log.WithField("antennas", stats.NoisyAntennas).Warn("noisy antennas")
	}
	return stats, nil
}
