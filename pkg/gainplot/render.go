// Package gainplot draws per-antenna gain phase solutions as a grid of
// phase-versus-frequency panels.
package gainplot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"math/cmplx"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"slopecal/pkg/parmdb"
	"slopecal/pkg/slopecal"
)

// ErrNoGains is returned when there is nothing to draw.
var ErrNoGains = errors.New("no gain solutions to plot")

// Options controls the plot layout.
type Options struct {
	// NCol is the number of panel columns.
	NCol        int
	PanelWidth  int
	PanelHeight int
	// MaxPhaseDeg fixes the phase axis to ±MaxPhaseDeg; zero auto-scales.
	MaxPhaseDeg float64
	Title       string
}

// DefaultOptions returns the default layout.
func DefaultOptions() Options {
	return Options{
		NCol:        4,
		PanelWidth:  240,
		PanelHeight: 160,
	}
}

// Gains is the diagonal gain of one direction over (time, freq, ant, corr).
type Gains struct {
	NTime  int
	NFreq  int
	NAnt   int
	Freq   []float64
	Values []complex128
}

func (g *Gains) at(t, f, a, c int) complex128 {
	return g.Values[((t*g.NFreq+f)*g.NAnt+a)*slopecal.NCorr+c]
}

// FromTable extracts direction dir of an exported gain table.
func FromTable(t slopecal.GainTable, dir int) (*Gains, error) {
	if len(t.Shape) != 5 || t.Shape[4] != slopecal.NCorr {
		return nil, fmt.Errorf("gain table shape %v is not (dir, time, freq, ant, corr)", t.Shape)
	}
	return fromDiagonal(t.Shape, t.Values, t.Grid.Freq, dir)
}

// FromParmDB extracts direction dir of a complex gain parameter stored in db.
func FromParmDB(db *parmdb.DB, name string, dir int) (*Gains, error) {
	desc, err := db.Desc(name)
	if err != nil {
		return nil, err
	}
	if desc.DType != parmdb.Complex128 {
		return nil, fmt.Errorf("parameter %q is %v, not complex", name, desc.DType)
	}
	if len(desc.Shape) != len(slopecal.SolutionAxes) || desc.Shape[4] != slopecal.NCorr {
		return nil, fmt.Errorf("parameter %q has shape %v, not (dir, time, freq, ant, corr)", name, desc.Shape)
	}
	for i, axis := range slopecal.SolutionAxes {
		if desc.AxisIndex(axis) != i {
			return nil, fmt.Errorf("parameter %q has axes %v, want %v", name, desc.AxisLabels, slopecal.SolutionAxes)
		}
	}
	arr, err := db.Get(name)
	if err != nil {
		return nil, err
	}
	return fromDiagonal(desc.Shape, arr.Complex, desc.Grids["freq"], dir)
}

func fromDiagonal(shape []int, values []complex128, freq []float64, dir int) (*Gains, error) {
	if dir < 0 || dir >= shape[0] {
		return nil, fmt.Errorf("direction %d out of range [0, %d)", dir, shape[0])
	}
	g := &Gains{NTime: shape[1], NFreq: shape[2], NAnt: shape[3]}
	n := g.NTime * g.NFreq * g.NAnt * slopecal.NCorr
	if n == 0 {
		return nil, ErrNoGains
	}
	if len(values) != shape[0]*n {
		return nil, fmt.Errorf("gain table holds %d values, shape %v needs %d", len(values), shape, shape[0]*n)
	}
	g.Values = append([]complex128(nil), values[dir*n:(dir+1)*n]...)
	if len(freq) == g.NFreq {
		g.Freq = append([]float64(nil), freq...)
	} else {
		g.Freq = make([]float64, g.NFreq)
		for i := range g.Freq {
			g.Freq[i] = float64(i)
		}
	}
	return g, nil
}

// phaseLimit returns the half-range of the phase axis in degrees.
func phaseLimit(g *Gains, opts Options) float64 {
	if opts.MaxPhaseDeg > 0 {
		return opts.MaxPhaseDeg
	}
	var peak float64
	for _, v := range g.Values {
		if p := math.Abs(cmplx.Phase(v)) * 180 / math.Pi; p > peak {
			peak = p
		}
	}
	limit := math.Ceil(peak/10) * 10
	if limit < 10 {
		limit = 10
	}
	return math.Min(limit, 180)
}

// Render draws the gain phase of every antenna.
func Render(g *Gains, opts Options) (*image.RGBA, error) {
	if g == nil || g.NAnt == 0 || g.NFreq == 0 || g.NTime == 0 {
		return nil, ErrNoGains
	}
	def := DefaultOptions()
	if opts.NCol <= 0 {
		opts.NCol = def.NCol
	}
	if opts.PanelWidth <= 0 {
		opts.PanelWidth = def.PanelWidth
	}
	if opts.PanelHeight <= 0 {
		opts.PanelHeight = def.PanelHeight
	}

	const titleH = 24
	ncol := min(opts.NCol, g.NAnt)
	nrow := (g.NAnt + ncol - 1) / ncol
	imgW := ncol * opts.PanelWidth
	imgH := titleH + nrow*opts.PanelHeight

	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	limit := phaseLimit(g, opts)
	title := opts.Title
	if title == "" {
		title = "gain phase vs frequency"
	}
	drawText(img, face, fmt.Sprintf("%s  (±%.0f deg)", title, limit), 8, 16, color.RGBA{220, 220, 220, 255})

	for a := 0; a < g.NAnt; a++ {
		x0 := (a % ncol) * opts.PanelWidth
		y0 := titleH + (a/ncol)*opts.PanelHeight
		drawPanel(img, face, g, a, image.Rect(x0, y0, x0+opts.PanelWidth, y0+opts.PanelHeight), limit)
	}
	return img, nil
}

// RenderBytes renders the plot and returns it as PNG bytes.
func RenderBytes(g *Gains, opts Options) ([]byte, error) {
	img, err := Render(g, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding plot: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders the plot and writes it to path; the format follows the
// extension (.png, .jpg or .jpeg).
func WriteFile(g *Gains, opts Options, path string) error {
	img, err := Render(g, opts)
	if err != nil {
		return err
	}
	return writeImage(img, path)
}

func drawPanel(img *image.RGBA, face font.Face, g *Gains, ant int, r image.Rectangle, limit float64) {
	const (
		left   = 34
		right  = 6
		top    = 16
		bottom = 8
	)
	plot := image.Rect(r.Min.X+left, r.Min.Y+top, r.Max.X-right, r.Max.Y-bottom)
	frame := color.RGBA{120, 120, 120, 255}
	drawRect(img, plot, frame)
	zero := (plot.Min.Y + plot.Max.Y) / 2
	for x := plot.Min.X; x < plot.Max.X; x += 4 {
		img.Set(x, zero, color.RGBA{70, 70, 70, 255})
	}

	labels := color.RGBA{200, 200, 200, 255}
	drawText(img, face, fmt.Sprintf("ant %d", ant), plot.Min.X, r.Min.Y+12, labels)
	drawText(img, face, fmt.Sprintf("%+.0f", limit), r.Min.X+2, plot.Min.Y+10, labels)
	drawText(img, face, fmt.Sprintf("%+.0f", -limit), r.Min.X+2, plot.Max.Y, labels)

	fmin, fmax := g.Freq[0], g.Freq[len(g.Freq)-1]
	xOf := func(f int) int {
		if g.NFreq == 1 || fmax == fmin {
			return (plot.Min.X + plot.Max.X) / 2
		}
		frac := (g.Freq[f] - fmin) / (fmax - fmin)
		return plot.Min.X + int(math.Round(frac*float64(plot.Dx()-1)))
	}
	yOf := func(v complex128) int {
		deg := cmplx.Phase(v) * 180 / math.Pi
		frac := (limit - math.Max(-limit, math.Min(limit, deg))) / (2 * limit)
		return plot.Min.Y + int(math.Round(frac*float64(plot.Dy()-1)))
	}

	for c := 0; c < slopecal.NCorr; c++ {
		for t := 0; t < g.NTime; t++ {
			col := traceColor(c, t, g.NTime)
			px, py := xOf(0), yOf(g.at(t, 0, ant, c))
			drawDot(img, px, py, col)
			for f := 1; f < g.NFreq; f++ {
				x, y := xOf(f), yOf(g.at(t, f, ant, c))
				drawLine(img, px, py, x, y, col)
				px, py = x, y
			}
		}
	}
}

// traceColor shades corr 0 in blue and corr 1 in orange, later time slots lighter.
func traceColor(corr, t, nTime int) color.RGBA {
	frac := 0.0
	if nTime > 1 {
		frac = float64(t) / float64(nTime-1)
	}
	if corr == 0 {
		return color.RGBA{uint8(40 + frac*120), uint8(110 + frac*110), 255, 255}
	}
	return color.RGBA{255, uint8(120 + frac*100), uint8(30 + frac*120), 255}
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X-1, y, c)
	}
}

func drawDot(img *image.RGBA, x, y int, c color.RGBA) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			img.Set(x+dx, y+dy, c)
		}
	}
}

// drawLine draws a line between two points using Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := intAbs(x1 - x0)
	dy := -intAbs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func intAbs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
