package main

import (
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"slopecal/pkg/parmdb"
	"slopecal/pkg/slopecal"
)

func (a *app) inspectCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the parameters stored in a parameter database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.logger(cmd).WithField("db", dbPath).Debug("loading")
			return inspectDB(cmd.OutOrStdout(), dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Parameter database to read")
	cmd.MarkFlagRequired("db")
	return cmd
}

func inspectDB(w io.Writer, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	db, err := parmdb.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "=== Parameter Database: %s (%s) ===\n", path, humanize.Bytes(uint64(st.Size())))
	fmt.Fprintf(w, "  ID:       %s\n", db.ID())
	fmt.Fprintf(w, "  Created:  %s (%s)\n", db.Created().Format("2006-01-02 15:04:05"), humanize.Time(db.Created()))
	meta := db.Metadata()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-9s %s\n", k+":", meta[k])
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Parameters ===")
	for _, name := range db.Names() {
		desc, err := db.Desc(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-12s %-10s %s\n", name, desc.DType, describeAxes(desc))
		for _, axis := range desc.AxisLabels {
			if g := desc.Grids[axis]; len(g) > 0 {
				fmt.Fprintf(w, "      %-5s n=%d [%g .. %g]\n", axis, len(g), g[0], g[len(g)-1])
			}
		}
		arr, err := db.Get(name)
		if err != nil {
			return err
		}
		med, mad := summarise(arr)
		if !math.IsNaN(med) {
			unit := ""
			if arr.DType == parmdb.Complex128 {
				unit = " deg (phase)"
			}
			fmt.Fprintf(w, "      median: %.4g +/- %.4g%s\n", med, mad, unit)
		}
	}
	return nil
}

func describeAxes(desc parmdb.ParamDesc) string {
	parts := make([]string, len(desc.Shape))
	for i, n := range desc.Shape {
		label := "?"
		if i < len(desc.AxisLabels) {
			label = desc.AxisLabels[i]
		}
		parts[i] = fmt.Sprintf("%s=%d", label, n)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// summarise returns the median and MAD of a real array, or of the phase in
// degrees of a complex one.
func summarise(arr *parmdb.Array) (float64, float64) {
	if arr.DType == parmdb.Complex128 {
		phases := make([]float64, len(arr.Complex))
		for i, v := range arr.Complex {
			phases[i] = cmplx.Phase(v) * 180 / math.Pi
		}
		return slopecal.MedianMAD(phases)
	}
	return slopecal.MedianMAD(arr.Float)
}
