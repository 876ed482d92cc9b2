package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"slopecal/pkg/gainplot"
	"slopecal/pkg/parmdb"
	"slopecal/pkg/slopecal"
)

func (a *app) plotCmd() *cobra.Command {
	var (
		dbPath string
		out    string
		param  string
		dir    int
		opts   = gainplot.DefaultOptions()
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Render gain phase solutions from a parameter database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := a.logger(cmd)
			if opts.Title == "" {
				opts.Title = fmt.Sprintf("%s dir %d", param, dir)
			}
			if err := plotDB(dbPath, param, dir, out, opts); err != nil {
				return err
			}
			log.WithField("file", out).Info("plot written")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Parameter database to read")
	cmd.Flags().StringVar(&out, "out", "", "Image to write (.png, .jpg)")
	cmd.Flags().StringVar(&param, "param", slopecal.LabelGain, "Complex gain parameter to plot")
	cmd.Flags().IntVar(&dir, "dir", 0, "Direction to plot")
	cmd.Flags().IntVar(&opts.NCol, "ncol", opts.NCol, "Panel columns")
	cmd.Flags().Float64Var(&opts.MaxPhaseDeg, "max-phase-deg", 0, "Fixed phase limit in degrees (0 auto-scales)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Plot title")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("out")
	return cmd
}

func plotDB(dbPath, name string, dir int, out string, opts gainplot.Options) error {
	db, err := parmdb.Load(dbPath)
	if err != nil {
		return err
	}
	g, err := gainplot.FromParmDB(db, name, dir)
	if err != nil {
		return err
	}
	return gainplot.WriteFile(g, opts, out)
}
