package monitor

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Node categories, indexed by GraphNode.Category.
const (
	categoryLocated = iota
	categoryUnlocated
	categorySignificant
)

// pixelsPerMetre scales floor coordinates to chart coordinates.
const pixelsPerMetre = 100

// WriteGraphChart writes an interactive go-echarts page for l. Node
// positions are fixed to the floor coordinates; z is flipped so that +z
// points up the page as it does in the PNG.
func WriteGraphChart(w io.Writer, l GraphLayout) error {
	g := charts.NewGraph()
	g.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Anchor graph",
			Theme:     "dark",
			Width:     "1000px",
			Height:    "800px",
		}),
		charts.WithTitleOpts(opts.Title{Title: l.Title, Subtitle: l.Subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
	)

	nodes := make([]opts.GraphNode, 0, len(l.Nodes))
	for _, n := range l.Nodes {
		category, size := categoryLocated, 10
		switch {
		case n.Significant:
			category, size = categorySignificant, 16
		case !n.Located:
			category = categoryUnlocated
		}
		nodes = append(nodes, opts.GraphNode{
			Name:       nodeName(n),
			X:          float32(n.X * pixelsPerMetre),
			Y:          float32(-n.Z * pixelsPerMetre),
			Fixed:      opts.Bool(true),
			Category:   category,
			SymbolSize: size,
		})
	}

	byID := l.index()
	links := make([]opts.GraphLink, 0, len(l.Links))
	for _, link := range l.Links {
		a, okA := byID[link.A]
		b, okB := byID[link.B]
		if !okA || !okB {
			continue
		}
		links = append(links, opts.GraphLink{Source: nodeName(a), Target: nodeName(b)})
	}

	g.AddSeries("anchors", nodes, links,
		charts.WithGraphChartOpts(opts.GraphChart{
			Layout: "none",
			Roam:   opts.Bool(true),
			Categories: []*opts.GraphCategory{
				{Name: "located", ItemStyle: &opts.ItemStyle{Color: "#28a03c"}},
				{Name: "not located", ItemStyle: &opts.ItemStyle{Color: "#c87828"}},
				{Name: "most significant", ItemStyle: &opts.ItemStyle{Color: "#d22828"}},
			},
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right"}),
	)

	var buf bytes.Buffer
	if err := g.Render(&buf); err != nil {
		return fmt.Errorf("render graph chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func nodeName(n LayoutNode) string {
	return strconv.FormatInt(int64(n.ID), 10)
}
