package monitor

import (
	"fmt"
	"image/color"
	"io"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// DefaultPlotSize is the edge length of the square PNG render.
const DefaultPlotSize = 8 * vg.Inch

var (
	edgeColor        = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	locatedColor     = color.RGBA{R: 40, G: 160, B: 60, A: 255}
	unlocatedColor   = color.RGBA{R: 200, G: 120, B: 40, A: 255}
	significantColor = color.RGBA{R: 210, G: 40, B: 40, A: 255}
)

// WriteGraphPNG draws l top-down (x right, z up) and writes it as PNG.
func WriteGraphPNG(w io.Writer, l GraphLayout, size vg.Length) error {
	p := plot.New()
	p.Title.Text = l.Title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "z (m)"
	p.Add(plotter.NewGrid())

	byID := l.index()
	for _, link := range l.Links {
		a, okA := byID[link.A]
		b, okB := byID[link.B]
		if !okA || !okB {
			continue
		}
		line, err := plotter.NewLine(plotter.XYs{{X: a.X, Y: a.Z}, {X: b.X, Y: b.Z}})
		if err != nil {
			return fmt.Errorf("edge %d-%d: %w", link.A, link.B, err)
		}
		line.Color = edgeColor
		line.Width = vg.Points(1)
		p.Add(line)
	}

	var located, unlocated, significant plotter.XYs
	labels := plotter.XYLabels{}
	for _, n := range l.Nodes {
		pt := plotter.XY{X: n.X, Y: n.Z}
		switch {
		case n.Significant:
			significant = append(significant, pt)
		case n.Located:
			located = append(located, pt)
		default:
			unlocated = append(unlocated, pt)
		}
		labels.XYs = append(labels.XYs, pt)
		labels.Labels = append(labels.Labels, strconv.FormatInt(int64(n.ID), 10))
	}

	groups := []struct {
		name   string
		pts    plotter.XYs
		color  color.Color
		radius vg.Length
	}{
		{"located", located, locatedColor, vg.Points(3)},
		{"not located", unlocated, unlocatedColor, vg.Points(3)},
		{"most significant", significant, significantColor, vg.Points(5)},
	}
	for _, g := range groups {
		if len(g.pts) == 0 {
			continue
		}
		s, err := plotter.NewScatter(g.pts)
		if err != nil {
			return fmt.Errorf("%s anchors: %w", g.name, err)
		}
		s.GlyphStyle.Color = g.color
		s.GlyphStyle.Radius = g.radius
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add(g.name, s)
	}

	if len(labels.XYs) > 0 {
		lbl, err := plotter.NewLabels(labels)
		if err != nil {
			return fmt.Errorf("anchor labels: %w", err)
		}
		lbl.Offset = vg.Point{X: vg.Points(4), Y: vg.Points(4)}
		p.Add(lbl)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("render graph plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write graph plot: %w", err)
	}
	return nil
}
