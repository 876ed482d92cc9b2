package main

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"slopecal/pkg/gainplot"
	"slopecal/pkg/parmdb"
	"slopecal/pkg/slopecal"
)

// chunkResult is the outcome of solving one time chunk.
type chunkResult struct {
	Index       int
	Start       int
	End         int
	Stats       *slopecal.SolverStats
	// PhaseErrDeg is the largest phase difference from the simulated truth,
	// after referencing both to the reference antenna. NaN without one.
	PhaseErrDeg float64
}

type solveSummary struct {
	Type    slopecal.SlopeType
	Chunks  []chunkResult
	DBPath  string
	DBSize  int64
	Plot    string
	Elapsed time.Duration
}

// observation is the simulated input shared by every chunk.
type observation struct {
	opts  slopecal.Options
	sky   slopecal.SkyModel
	times []float64
	freqs []float64
}

func newObservation(cfg *Config) (*observation, error) {
	opts, err := cfg.Solver.machineOptions()
	if err != nil {
		return nil, err
	}
	o := cfg.Observation
	times := make([]float64, o.NTime)
	for i := range times {
		times[i] = float64(i) * o.TimeStep
	}
	freqs := make([]float64, o.NFreq)
	for i := range freqs {
		if o.NFreq > 1 {
			freqs[i] = o.FreqStart + (o.FreqEnd-o.FreqStart)*float64(i)/float64(o.NFreq-1)
		} else {
			freqs[i] = o.FreqStart
		}
	}
	return &observation{
		opts: opts,
		sky: slopecal.SkyModel{
			Antennas: slopecal.RandomArray(o.NAnt, o.ArrayRadius),
			Sources:  cfg.Sky.sources(),
		},
		times: times,
		freqs: freqs,
	}, nil
}

func (o *observation) nDir() int { return len(o.sky.Sources) }
func (o *observation) nAnt() int { return len(o.sky.Antennas) }

// defineParams declares every table a solve writes: each slope component,
// its error and the full-resolution gain.
func defineParams(db *parmdb.DB, layout *slopecal.Machine, nDir, nAnt int) error {
	interval := layout.IntervalGrid()
	full := layout.GainGrid()
	nTInt, nFInt := layout.NIntervals()

	shape := []int{nDir, nTInt, nFInt, nAnt, slopecal.NCorr}
	grids := map[string][]float64{"time": interval.Time, "freq": interval.Freq}
	for _, comp := range layout.Components() {
		for _, name := range []string{comp.Label, comp.Label + slopecal.ErrSuffix} {
			if err := db.DefineParam(name, shape, parmdb.Float64, slopecal.SolutionAxes, grids, 0); err != nil {
				return err
			}
		}
	}
	gainShape := []int{nDir, len(full.Time), len(full.Freq), nAnt, slopecal.NCorr}
	gainGrids := map[string][]float64{"time": full.Time, "freq": full.Freq}
	return db.DefineParam(slopecal.LabelGain, gainShape, parmdb.Complex128, slopecal.SolutionAxes, gainGrids, 1)
}

// runSolve simulates the configured observation, solves it chunk by chunk
// and stores the solutions in a parameter database.
func runSolve(ctx context.Context, cfg *Config, logger *logrus.Logger) (*solveSummary, error) {
	start := time.Now()
	obs, err := newObservation(cfg)
	if err != nil {
		return nil, err
	}

	layout, err := slopecal.New(obs.opts, obs.nDir(), 1, obs.times, obs.freqs, obs.nAnt())
	if err != nil {
		return nil, fmt.Errorf("configuring machine: %w", err)
	}

	db, err := parmdb.Create(cfg.Output.DB, map[string]string{
		"type":     obs.opts.Type.String(),
		"ref_ant":  fmt.Sprint(cfg.Solver.RefAnt),
		"t_int":    fmt.Sprint(cfg.Solver.TInt),
		"f_int":    fmt.Sprint(cfg.Solver.FInt),
		"n_source": fmt.Sprint(obs.nDir()),
		"noise":    fmt.Sprint(cfg.Observation.Noise),
	})
	if err != nil {
		return nil, err
	}
	if err := defineParams(db, layout, obs.nDir(), obs.nAnt()); err != nil {
		db.Close()
		return nil, err
	}

	nTime := len(obs.times)
	chunk := cfg.Solver.ChunkSize
	results := make([]chunkResult, (nTime+chunk-1)/chunk)
	logger.WithFields(logrus.Fields{
		"type":    obs.opts.Type,
		"chunks":  len(results),
		"workers": cfg.Solver.Workers,
		"dirs":    obs.nDir(),
		"ants":    obs.nAnt(),
	}).Info("solving")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Solver.Workers)
	for i := range results {
		lo := i * chunk
		hi := min(lo+chunk, nTime)
		g.Go(func() error {
			res, err := solveChunk(gctx, cfg, obs, db, lo, hi, logger.WithField("chunk", i))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			res.Index = i
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, err
	}

	summary := &solveSummary{
		Type:   obs.opts.Type,
		Chunks: results,
		DBPath: cfg.Output.DB,
	}
	if st, err := os.Stat(cfg.Output.DB); err == nil {
		summary.DBSize = st.Size()
	}

	if cfg.Output.Plot != "" {
		if err := plotDB(cfg.Output.DB, slopecal.LabelGain, 0, cfg.Output.Plot, gainplot.Options{
			NCol:        cfg.Output.NCol,
			MaxPhaseDeg: cfg.Output.MaxPhaseDeg,
			Title:       fmt.Sprintf("%s gain phase", obs.opts.Type),
		}); err != nil {
			return nil, err
		}
		summary.Plot = cfg.Output.Plot
	}
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// solveChunk simulates and solves time samples [lo, hi), then appends the
// solutions to db.
func solveChunk(ctx context.Context, cfg *Config, obs *observation, db *parmdb.DB, lo, hi int, log logrus.FieldLogger) (*chunkResult, error) {
	times := obs.times[lo:hi]
	model, err := obs.sky.Predict(len(times), obs.freqs)
	if err != nil {
		return nil, err
	}

	truth, err := slopecal.New(obs.opts, obs.nDir(), 1, times, obs.freqs, obs.nAnt())
	if err != nil {
		return nil, err
	}
	if err := truth.ImportSolutions(slopecal.RandomSlopes(truth, cfg.Truth.Sigmas)); err != nil {
		return nil, fmt.Errorf("simulating gains: %w", err)
	}
	vis, err := slopecal.CorruptVisibilities(model, truth.Gains(), cfg.Observation.Noise)
	if err != nil {
		return nil, err
	}

	m, err := slopecal.New(obs.opts, obs.nDir(), 1, times, obs.freqs, obs.nAnt())
	if err != nil {
		return nil, err
	}
	so := slopecal.NewSolverOptions()
	so.MaxIter = cfg.Solver.MaxIter
	so.MinDeltaG = cfg.Solver.MinDeltaG
	so.Logger = log
	stats, err := slopecal.Solve(ctx, m, vis, model, so)
	if err != nil {
		return nil, err
	}

	tLo := lo / cfg.Solver.TInt
	for name, sol := range m.ExportSolutions() {
		sl := map[string]parmdb.Slice{"time": {Lo: tLo, Hi: tLo + sol.Shape[1]}}
		if err := db.AddSlice(name, parmdb.NewFloatArray(sol.Shape, sol.Values), sl); err != nil {
			return nil, err
		}
	}
	gains := m.ExportGains()
	sl := map[string]parmdb.Slice{"time": {Lo: lo, Hi: hi}}
	if err := db.AddSlice(slopecal.LabelGain, parmdb.NewComplexArray(gains.Shape, gains.Values), sl); err != nil {
		return nil, err
	}

	res := &chunkResult{Start: lo, End: hi, Stats: stats, PhaseErrDeg: math.NaN()}
	if obs.opts.RefAnt != nil {
		res.PhaseErrDeg = referencedPhaseError(gains, truth.ExportGains(), *obs.opts.RefAnt)
	}
	log.WithFields(logrus.Fields{
		"state": stats.State,
		"iters": stats.Iterations,
		"chi2":  stats.FinalChi2,
	}).Debug("chunk solved")
	return res, nil
}

// referencedPhaseError returns the largest |arg(g · conj(t) · t_ref)| in
// degrees, where t_ref is the truth at the reference antenna.
func referencedPhaseError(got, truth slopecal.GainTable, ref int) float64 {
	nAnt := got.Shape[3]
	var worst float64
	for i, g := range got.Values {
		a := (i / slopecal.NCorr) % nAnt
		tRef := truth.Values[i-(a-ref)*slopecal.NCorr]
		d := math.Abs(cmplx.Phase(g*cmplx.Conj(truth.Values[i])*tRef)) * 180 / math.Pi
		if d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}
