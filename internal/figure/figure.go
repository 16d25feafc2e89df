// Package figure draws the per-label comparison of mean object area between
// a training tally and a generated tally.
package figure

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/segdist/internal/model"
	"github.com/Brownie44l1/segdist/internal/tally"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ErrFormat is returned for output paths with an unsupported extension.
var ErrFormat = errors.New("unsupported figure format")

// Entry is one label's mean area in both tallies.
type Entry struct {
	Label  string
	True   float64
	Gen    float64
	Change float64
}

// Options controls figure layout.
type Options struct {
	LabelCount int
	MaxScale   float64
	DPI        float64
	Legend     bool
}

// Select picks the labels to draw: by descending mean area in the training
// tally, skipping label 0 and material labels, stopping at the first label
// the training tally never shows, and keeping at most count labels.
func Select(trueTally, genTally *tally.Matrix, labels []model.Label, count int) ([]Entry, error) {
	if trueTally.Cols != genTally.Cols || trueTally.Cols != len(labels) {
		return nil, fmt.Errorf("%w: tallies have %d and %d columns for %d labels",
			tally.ErrShapeMismatch, trueTally.Cols, genTally.Cols, len(labels))
	}
	tmean, gmean := trueTally.ColumnMeans(), genTally.ColumnMeans()

	order := make([]int, len(tmean))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return tmean[order[a]] > tmean[order[b]] })

	var entries []Entry
	for _, l := range order {
		if l == 0 || labels[l].Category == "material" {
			continue
		}
		if tmean[l] == 0 {
			break
		}
		name := labels[l].Name
		if fields := strings.Fields(name); len(fields) > 0 {
			name = fields[0]
		}
		entries = append(entries, Entry{
			Label:  name,
			True:   tmean[l],
			Gen:    gmean[l],
			Change: (gmean[l] - tmean[l]) / tmean[l],
		})
		if len(entries) >= count {
			break
		}
	}
	return entries, nil
}

// Render draws entries as a two-panel figure and writes it to path. The top
// panel shows mean area on a log scale (bars for training, a line for
// generated); the bottom panel shows the relative change per label.
func Render(path string, entries []Entry, opts Options) error {
	var newCanvas func(*vgimg.Canvas) io.WriterTo
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		newCanvas = func(c *vgimg.Canvas) io.WriterTo { return vgimg.PngCanvas{Canvas: c} }
	case ".jpg", ".jpeg":
		newCanvas = func(c *vgimg.Canvas) io.WriterTo { return vgimg.JpegCanvas{Canvas: c} }
	default:
		return fmt.Errorf("%w: %s", ErrFormat, path)
	}

	top, err := areaPlot(entries, opts)
	if err != nil {
		return err
	}
	bottom, err := changePlot(entries, opts)
	if err != nil {
		return err
	}

	dpi := int(opts.DPI)
	if dpi <= 0 {
		dpi = 100
	}
	width := vg.Length(1.4+5.0*float64(opts.LabelCount)/30) * vg.Inch
	height := 4.8 * vg.Inch
	img := vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(dpi))
	dc := draw.New(img)

	// Height ratio 1:2 between the panels.
	top.Draw(draw.Crop(dc, 0, 0, height*2/3, 0))
	bottom.Draw(draw.Crop(dc, 0, 0, 0, -height/3))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating figure: %w", err)
	}
	if _, err := newCanvas(img).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("writing figure: %w", err)
	}
	return f.Close()
}

// areaPlot draws log10 of the mean areas on a linear axis so that bars have
// a finite base at the bottom of the visible range.
func areaPlot(entries []Entry, opts Options) (*plot.Plot, error) {
	lo, hi := math.Log10(opts.MaxScale/5000), math.Log10(opts.MaxScale)
	clampLog := func(v float64) float64 {
		if v <= 0 {
			return lo
		}
		return math.Max(lo, math.Log10(v))
	}

	heights := make(plotter.Values, len(entries))
	gen := make(plotter.XYs, len(entries))
	for i, e := range entries {
		heights[i] = clampLog(e.True) - lo
		gen[i] = plotter.XY{X: float64(i), Y: clampLog(e.Gen)}
	}

	p := plot.New()
	p.Y.Label.Text = "mean area\nlog scale"
	p.Y.Tick.Marker = decadeTicks{}
	p.HideX()

	if len(entries) > 0 {
		// Bars are stacked on an invisible baseline at the bottom of the
		// range; the baseline itself is never added to the plot.
		base := make(plotter.Values, len(entries))
		for i := range base {
			base[i] = lo
		}
		baseline, err := plotter.NewBarChart(base, vg.Points(8))
		if err != nil {
			return nil, fmt.Errorf("baseline bars: %w", err)
		}

		bars, err := plotter.NewBarChart(heights, vg.Points(8))
		if err != nil {
			return nil, fmt.Errorf("training bars: %w", err)
		}
		bars.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		bars.LineStyle.Width = 0
		bars.StackOn(baseline)

		line, err := plotter.NewLine(gen)
		if err != nil {
			return nil, fmt.Errorf("generated line: %w", err)
		}
		line.Color = color.RGBA{R: 255, A: 255}
		line.Width = vg.Points(3)

		p.Add(bars, line)
		if opts.Legend {
			p.Legend.Add("training", bars)
			p.Legend.Add("generated", line)
		}
	}
	p.X.Min, p.X.Max = -1, float64(len(entries))
	p.Y.Min, p.Y.Max = lo, hi
	return p, nil
}

func changePlot(entries []Entry, opts Options) (*plot.Plot, error) {
	p := plot.New()
	p.Y.Label.Text = "relative delta\n(gen - train) / train"
	p.Add(plotter.NewGrid())

	names := make([]string, len(entries))
	change := make(plotter.Values, len(entries))
	var notes plotter.XYLabels
	prevHigh := -2
	for i, e := range entries {
		names[i] = e.Label
		change[i] = e.Change
		if e.Change > 1.15 {
			offset := 0.0
			if prevHigh == i-1 {
				offset = 0.1
			} else {
				prevHigh = i
			}
			notes.XYs = append(notes.XYs, plotter.XY{X: float64(i), Y: 1.15 + offset})
			notes.Labels = append(notes.Labels, fmt.Sprintf("%.1f", e.Change))
		}
	}
	p.NominalX(names...)
	p.X.Tick.Label.Rotation = math.Pi / 2
	p.X.Tick.Label.XAlign = text.XRight
	p.X.Tick.Label.YAlign = text.YCenter

	if len(entries) > 0 {
		bars, err := plotter.NewBarChart(change, vg.Points(8))
		if err != nil {
			return nil, fmt.Errorf("change bars: %w", err)
		}
		bars.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		bars.LineStyle.Width = 0
		p.Add(bars)
		if opts.Legend {
			p.Legend.Add("relative delta", bars)
		}
	}
	if len(notes.XYs) > 0 {
		labels, err := plotter.NewLabels(notes)
		if err != nil {
			return nil, fmt.Errorf("change labels: %w", err)
		}
		p.Add(labels)
	}
	p.X.Min, p.X.Max = -1, float64(len(entries))
	p.Y.Min, p.Y.Max = -1, 1.1
	if len(notes.XYs) > 0 {
		p.Y.Max = 1.4
	}
	return p, nil
}

// decadeTicks labels integer log10 positions with their power of ten.
type decadeTicks struct{}

func (decadeTicks) Ticks(min, max float64) []plot.Tick {
	var ticks []plot.Tick
	for k := math.Ceil(min); k <= math.Floor(max); k++ {
		ticks = append(ticks, plot.Tick{Value: k, Label: fmt.Sprintf("%g", math.Pow(10, k))})
	}
	return ticks
}
