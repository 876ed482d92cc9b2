package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slopecal/pkg/slopecal"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app carries state shared by the subcommands.
type app struct {
	v          *viper.Viper
	configPath string
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}
	root := &cobra.Command{
		Use:           "slopecal",
		Short:         "Phase-slope gain calibration on simulated interferometer data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Configuration file path (YAML)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	a.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(a.solveCmd(), a.plotCmd(), a.inspectCmd(), initConfigCmd())
	return root
}

func setupLogger(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func (a *app) logger(cmd *cobra.Command) *logrus.Logger {
	return setupLogger(a.v.GetString("log_level"), cmd.ErrOrStderr())
}

func (a *app) solveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Simulate an observation, solve it in time chunks and write a parameter database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.v, a.configPath)
			if err != nil {
				return err
			}
			summary, err := runSolve(cmd.Context(), cfg, setupLogger(cfg.LogLevel, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
	cmd.Flags().String("db", "", "Output parameter database (overrides config)")
	cmd.Flags().String("plot", "", "Gain plot to write, .png or .jpg (overrides config)")
	cmd.Flags().String("type", "", "Slope type: f-slope, t-slope or tf-plane (overrides config)")
	cmd.Flags().Int("workers", 0, "Chunks solved in parallel (overrides config)")
	a.v.BindPFlag("output.db", cmd.Flags().Lookup("db"))
	a.v.BindPFlag("output.plot", cmd.Flags().Lookup("plot"))
	a.v.BindPFlag("solver.type", cmd.Flags().Lookup("type"))
	a.v.BindPFlag("solver.workers", cmd.Flags().Lookup("workers"))
	return cmd
}

func printSummary(w io.Writer, s *solveSummary) {
	var converged int
	chi2 := make([]float64, 0, len(s.Chunks))
	noise := make([]float64, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		noise = append(noise, c.Stats.Noise.Sigma)
		if c.Stats.State == slopecal.StateConverged {
			converged++
		}
		chi2 = append(chi2, c.Stats.FinalChi2)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "=== Slope Solve Results (%.1fs) ===\n", s.Elapsed.Seconds())
	fmt.Fprintf(w, "  Type:            %s\n", s.Type)
	fmt.Fprintf(w, "  Chunks:          %d (%d converged)\n", len(s.Chunks), converged)
	if len(chi2) > 0 {
		med, mad := slopecal.MedianMAD(chi2)
		fmt.Fprintf(w, "  Chi2 (median):   %.4g +/- %.4g\n", med, mad)
		med, mad = slopecal.MedianMAD(noise)
		fmt.Fprintf(w, "  Noise (median):  %.4g +/- %.4g\n", med, mad)
	}
	if worst, missing := maxPhaseError(s.Chunks); missing < len(s.Chunks) {
		fmt.Fprintf(w, "  Phase error:     %.3f deg (max, referenced)", worst)
		if missing > 0 {
			fmt.Fprintf(w, ", %d chunk(s) without a value", missing)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Database:        %s (%s)\n", s.DBPath, humanize.Bytes(uint64(s.DBSize)))
	if s.Plot != "" {
		fmt.Fprintf(w, "  Plot:            %s\n", s.Plot)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Chunks ===")
	for _, c := range s.Chunks {
		fmt.Fprintf(w, "  %-3d t=[%d:%d)  %-22s iters=%-4d chi2=%.4g -> %.4g",
			c.Index, c.Start, c.End, c.Stats.State, c.Stats.Iterations, c.Stats.InitialChi2, c.Stats.FinalChi2)
		if len(c.Stats.NoisyAntennas) > 0 {
			fmt.Fprintf(w, "  noisy=%v", c.Stats.NoisyAntennas)
		}
		fmt.Fprintln(w)
	}
}

// maxPhaseError returns the largest phase error over the chunks that have
// one and the number of chunks whose error is NaN.
func maxPhaseError(chunks []chunkResult) (float64, int) {
	var worst float64
	var missing int
	for _, c := range chunks {
		if math.IsNaN(c.PhaseErrDeg) {
			missing++
			continue
		}
		worst = max(worst, c.PhaseErrDeg)
	}
	return worst, missing
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config FILE",
		Short: "Write the default configuration to FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeConfig(args[0], defaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", args[0])
			return nil
		},
	}
}
