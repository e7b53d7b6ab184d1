// Command anchor-plot renders the frozen anchor graph persisted in an anchor
// database as a PNG, and optionally as an interactive HTML page.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/monitor"
)

var (
	dbPath  = flag.String("db", "anchors.db", "Path to the SQLite anchor database")
	outPNG  = flag.String("out", "anchors.png", "PNG output path")
	outHTML = flag.String("html", "", "Optional HTML chart output path")
	sizeIn  = flag.Float64("size", 8, "PNG edge length in inches")
)

func main() {
	flag.Parse()
	if err := plotDatabase(context.Background(), *dbPath, *outPNG, *outHTML, vg.Length(*sizeIn)*vg.Inch); err != nil {
		log.Fatalf("anchor-plot: %v", err)
	}
}

func plotDatabase(ctx context.Context, path, pngPath, htmlPath string, size vg.Length) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("anchor database: %w", err)
	}
	db, err := anchordb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	anchors, err := db.ListFrozen(ctx)
	if err != nil {
		return err
	}
	edges, err := db.ListFrozenEdges(ctx)
	if err != nil {
		return err
	}
	layout := monitor.LayoutFromFrozen(anchors, edges)

	if err := writeFile(pngPath, func(f *os.File) error { return monitor.WriteGraphPNG(f, layout, size) }); err != nil {
		return err
	}
	log.Printf("wrote %s (%s)", pngPath, layout.Subtitle)

	if htmlPath != "" {
		if err := writeFile(htmlPath, func(f *os.File) error { return monitor.WriteGraphChart(f, layout) }); err != nil {
			return err
		}
		log.Printf("wrote %s", htmlPath)
	}
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
