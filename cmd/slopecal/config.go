package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"slopecal/pkg/slopecal"
)

// Config is the full run configuration, read from YAML through viper.
type Config struct {
	LogLevel    string            `mapstructure:"log_level" yaml:"log_level"`
	Observation ObservationConfig `mapstructure:"observation" yaml:"observation"`
	Sky         SkyConfig         `mapstructure:"sky" yaml:"sky"`
	Truth       TruthConfig       `mapstructure:"truth" yaml:"truth"`
	Solver      SolverConfig      `mapstructure:"solver" yaml:"solver"`
	Output      OutputConfig      `mapstructure:"output" yaml:"output"`
}

type ObservationConfig struct {
	NAnt        int     `mapstructure:"n_ant" yaml:"n_ant"`
	NTime       int     `mapstructure:"n_time" yaml:"n_time"`
	NFreq       int     `mapstructure:"n_freq" yaml:"n_freq"`
	FreqStart   float64 `mapstructure:"freq_start" yaml:"freq_start"`
	FreqEnd     float64 `mapstructure:"freq_end" yaml:"freq_end"`
	TimeStep    float64 `mapstructure:"time_step" yaml:"time_step"`
	ArrayRadius float64 `mapstructure:"array_radius" yaml:"array_radius"`
	Noise       float64 `mapstructure:"noise" yaml:"noise"`
}

type SourceConfig struct {
	L    float64 `mapstructure:"l" yaml:"l"`
	M    float64 `mapstructure:"m" yaml:"m"`
	Flux float64 `mapstructure:"flux" yaml:"flux"`
}

type SkyConfig struct {
	Sources []SourceConfig `mapstructure:"sources" yaml:"sources"`
}

// TruthConfig holds the standard deviation of the simulated slope
// components, keyed by component label.
type TruthConfig struct {
	Sigmas map[string]float64 `mapstructure:"sigmas" yaml:"sigmas"`
}

type SolverConfig struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	RefAnt    int     `mapstructure:"ref_ant" yaml:"ref_ant"` // -1 disables
	FixDirs   []int   `mapstructure:"fix_dirs" yaml:"fix_dirs"`
	Eps       float64 `mapstructure:"eps" yaml:"eps"`
	TInt      int     `mapstructure:"t_int" yaml:"t_int"`
	FInt      int     `mapstructure:"f_int" yaml:"f_int"`
	MaxIter   int     `mapstructure:"max_iter" yaml:"max_iter"`
	MinDeltaG float64 `mapstructure:"min_delta_g" yaml:"min_delta_g"`
	ChunkSize int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	Workers   int     `mapstructure:"workers" yaml:"workers"`
}

type OutputConfig struct {
	DB          string  `mapstructure:"db" yaml:"db"`
	Plot        string  `mapstructure:"plot" yaml:"plot"`
	NCol        int     `mapstructure:"ncol" yaml:"ncol"`
	MaxPhaseDeg float64 `mapstructure:"max_phase_deg" yaml:"max_phase_deg"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Observation: ObservationConfig{
			NAnt:        7,
			NTime:       32,
			NFreq:       32,
			FreqStart:   1.0e9,
			FreqEnd:     1.2e9,
			TimeStep:    8,
			ArrayRadius: 1000,
			Noise:       0.01,
		},
		Sky: SkyConfig{
			Sources: []SourceConfig{{L: 0.01, M: -0.02, Flux: 1}},
		},
		Truth: TruthConfig{
			Sigmas: map[string]float64{
				slopecal.LabelPhase: 0.5,
				slopecal.LabelDelay: 1.0,
				slopecal.LabelRate:  0.5,
			},
		},
		Solver: SolverConfig{
			Type:      "f-slope",
			RefAnt:    0,
			Eps:       1e-6,
			TInt:      4,
			FInt:      32,
			MaxIter:   200,
			MinDeltaG: 1e-8,
			ChunkSize: 8,
			Workers:   4,
		},
		Output: OutputConfig{
			DB:   "slopecal.parmdb",
			NCol: 4,
		},
	}
}

// setDefaults registers every field of defaultConfig with v so that env
// overrides apply to keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("observation.n_ant", d.Observation.NAnt)
	v.SetDefault("observation.n_time", d.Observation.NTime)
	v.SetDefault("observation.n_freq", d.Observation.NFreq)
	v.SetDefault("observation.freq_start", d.Observation.FreqStart)
	v.SetDefault("observation.freq_end", d.Observation.FreqEnd)
	v.SetDefault("observation.time_step", d.Observation.TimeStep)
	v.SetDefault("observation.array_radius", d.Observation.ArrayRadius)
	v.SetDefault("observation.noise", d.Observation.Noise)

	sources := make([]map[string]any, len(d.Sky.Sources))
	for i, s := range d.Sky.Sources {
		sources[i] = map[string]any{"l": s.L, "m": s.M, "flux": s.Flux}
	}
	v.SetDefault("sky.sources", sources)
	v.SetDefault("truth.sigmas", d.Truth.Sigmas)

	v.SetDefault("solver.type", d.Solver.Type)
	v.SetDefault("solver.ref_ant", d.Solver.RefAnt)
	v.SetDefault("solver.fix_dirs", d.Solver.FixDirs)
	v.SetDefault("solver.eps", d.Solver.Eps)
	v.SetDefault("solver.t_int", d.Solver.TInt)
	v.SetDefault("solver.f_int", d.Solver.FInt)
	v.SetDefault("solver.max_iter", d.Solver.MaxIter)
	v.SetDefault("solver.min_delta_g", d.Solver.MinDeltaG)
	v.SetDefault("solver.chunk_size", d.Solver.ChunkSize)
	v.SetDefault("solver.workers", d.Solver.Workers)

	v.SetDefault("output.db", d.Output.DB)
	v.SetDefault("output.plot", d.Output.Plot)
	v.SetDefault("output.ncol", d.Output.NCol)
	v.SetDefault("output.max_phase_deg", d.Output.MaxPhaseDeg)
}

// newViper returns a viper instance with defaults and SLOPECAL_* env
// overrides (SLOPECAL_SOLVER_MAX_ITER sets solver.max_iter).
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SLOPECAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads path (if non-empty) into v and decodes the result.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	obs := cfg.Observation
	var errs []error
	if obs.NAnt < 2 {
		errs = append(errs, fmt.Errorf("observation.n_ant must be at least 2, got %d", obs.NAnt))
	}
	if obs.NTime < 1 || obs.NFreq < 1 {
		errs = append(errs, fmt.Errorf("observation.n_time and n_freq must be positive, got %d and %d", obs.NTime, obs.NFreq))
	}
	if obs.FreqEnd < obs.FreqStart || obs.FreqStart <= 0 {
		errs = append(errs, fmt.Errorf("observation frequency range [%g, %g] is invalid", obs.FreqStart, obs.FreqEnd))
	}
	if obs.Noise < 0 {
		errs = append(errs, errors.New("observation.noise must not be negative"))
	}
	if len(cfg.Sky.Sources) == 0 {
		errs = append(errs, errors.New("sky.sources is empty"))
	}

	s := cfg.Solver
	if _, err := slopecal.ParseSlopeType(s.Type); err != nil {
		errs = append(errs, err)
	}
	if s.RefAnt >= obs.NAnt {
		errs = append(errs, fmt.Errorf("solver.ref_ant %d out of range for %d antennas", s.RefAnt, obs.NAnt))
	}
	if s.TInt < 1 || s.FInt < 1 {
		errs = append(errs, errors.New("solver.t_int and f_int must be positive"))
	}
	if s.ChunkSize < 1 {
		errs = append(errs, errors.New("solver.chunk_size must be positive"))
	} else if s.TInt > 0 && s.ChunkSize%s.TInt != 0 && s.ChunkSize < obs.NTime {
		errs = append(errs, fmt.Errorf("solver.chunk_size %d is not a multiple of t_int %d", s.ChunkSize, s.TInt))
	}
	if s.Workers < 1 {
		errs = append(errs, errors.New("solver.workers must be positive"))
	}
	if s.MaxIter < 1 {
		errs = append(errs, errors.New("solver.max_iter must be positive"))
	}
	if cfg.Output.DB == "" {
		errs = append(errs, errors.New("output.db is empty"))
	}
	return errors.Join(errs...)
}

// machineOptions converts the solver section into machine options.
func (s SolverConfig) machineOptions() (slopecal.Options, error) {
	t, err := slopecal.ParseSlopeType(s.Type)
	if err != nil {
		return slopecal.Options{}, err
	}
	opts := *slopecal.NewOptions()
	opts.Type = t
	if s.RefAnt >= 0 {
		opts.RefAnt = slopecal.RefAntenna(s.RefAnt)
	}
	opts.FixDirections = append([]int(nil), s.FixDirs...)
	opts.Eps = s.Eps
	opts.TInt = s.TInt
	opts.FInt = s.FInt
	return opts, nil
}

func (s SkyConfig) sources() []slopecal.Source {
	out := make([]slopecal.Source, len(s.Sources))
	for i, src := range s.Sources {
		out[i] = slopecal.Source{L: src.L, M: src.M, Flux: src.Flux}
	}
	return out
}

// writeConfig writes cfg as YAML, refusing to overwrite an existing file.
func writeConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	return f.Close()
}
