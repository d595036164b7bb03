// Command prcheck inspects a place recognition dataset: it prints how the
// entries are split, checks that the subsets are disjoint, optionally decodes
// every sample of a subset and plots the positions of each subset.
//
// Usage:
//
//	prcheck -root /data/itlp -scan -subset val -modalities front_cam,lidar -plot plots
package main

import (
	"flag"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Noofbiz/placeset/config"
	"github.com/Noofbiz/placeset/datasets"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// subsetColors are the scatter colors of train, val and test.
var subsetColors = map[string]color.RGBA{
	datasets.SubsetTrain: {R: 120, G: 120, B: 120, A: 180},
	datasets.SubsetVal:   {R: 20, G: 80, B: 200, A: 220},
	datasets.SubsetTest:  {R: 200, G: 30, B: 30, A: 200},
}

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", "", "path to a JSON configuration file (optional)")
	root := flag.String("root", "", "dataset root, overrides dataset.root of the configuration")
	modalities := flag.String("modalities", "", "comma-separated modalities to decode, overrides dataset.data_to_load")
	subset := flag.String("subset", "", "subset to scan, overrides dataset.subset")
	scan := flag.Bool("scan", false, "decode every sample of the subset")
	workers := flag.Int("workers", 0, "number of samples decoded at once (0 = NumCPU)")
	plotDir := flag.String("plot", "", "if set, write a scatter plot of the subsets to this directory")
	flag.Parse()
	defer klog.Flush()

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			klog.Fatalf("Failed to load configuration: %+v", err)
		}
	}
	if *root != "" {
		cfg.Dataset.Root = *root
	}
	if cfg.Dataset.Root == "" {
		klog.Fatal("No dataset root: set -root or dataset.root")
	}
	if *modalities != "" {
		cfg.Dataset.DataToLoad = strings.Split(*modalities, ",")
	}

	start := time.Now()
	idx, err := datasets.BuildIndex(cfg.Dataset.Root, datasets.DefaultRegistry())
	if err != nil {
		klog.Fatalf("Failed to index %q: %+v", cfg.Dataset.Root, err)
	}
	fmt.Printf("Indexed %s entries of %d sessions in %s\n",
		humanize.Comma(int64(idx.Len())), len(idx.Sessions()), time.Since(start).Round(time.Millisecond))

	policy, err := cfg.SplitPolicy(cfg.Dataset.Root)
	if err != nil {
		klog.Fatalf("Failed to build split policy: %+v", err)
	}
	subsets, err := datasets.SelectAll(idx, policy)
	if err != nil {
		klog.Fatalf("Failed to select subsets: %+v", err)
	}
	unassigned := idx.Len()
	for _, name := range datasets.Subsets {
		n := subsets[name].Len()
		unassigned -= n
		fmt.Printf("  %-5s %10s entries\n", name, humanize.Comma(int64(n)))
	}
	fmt.Printf("  %-5s %10s entries\n", "none", humanize.Comma(int64(unassigned)))
	if err := datasets.CheckDisjoint(idx, policy); err != nil {
		klog.Fatalf("Subsets overlap: %+v", err)
	}
	fmt.Println("Subsets are disjoint.")

	if *scan {
		ds, err := cfg.Open(cfg.Dataset.Root, *subset, datasets.WithIndex(idx), datasets.WithSplitPolicy(policy))
		if err != nil {
			klog.Fatalf("Failed to open dataset: %+v", err)
		}
		if err := scanDataset(ds, *workers); err != nil {
			klog.Fatalf("Scan failed: %+v", err)
		}
	}

	if *plotDir != "" {
		if err := plotSubsets(*plotDir, idx, subsets); err != nil {
			klog.Fatalf("Failed to plot subsets: %+v", err)
		}
		fmt.Printf("Wrote %s\n", filepath.Join(*plotDir, "subsets.png"))
	}
}

// scanDataset decodes every sample of ds and reports the decoded size.
func scanDataset(ds *datasets.PlaceRecognitionDataset, workers int) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	start := time.Now()
	bar := progressbar.Default(int64(ds.Len()), "Decoding "+ds.Name())
	var bytes, positives atomic.Int64
	var g errgroup.Group
	g.SetLimit(workers)
	for k := range ds.Len() {
		g.Go(func() error {
			s, err := ds.Get(k)
			if err != nil {
				return err
			}
			for _, t := range s.Data {
				bytes.Add(int64(t.Shape().Memory()))
			}
			positives.Add(int64(len(ds.Positives(k))))
			_ = bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	_ = bar.Finish()

	fmt.Printf("Decoded %s samples (%s) in %s\n",
		humanize.Comma(int64(ds.Len())), humanize.Bytes(uint64(bytes.Load())), time.Since(start).Round(time.Millisecond))
	if ds.Len() > 0 {
		fmt.Printf("Mean positives per sample: %.2f\n", float64(positives.Load())/float64(ds.Len()))
	}
	return nil
}

// plotSubsets writes a PNG with the UTM position of every entry, colored by
// subset.
func plotSubsets(outDir string, idx *datasets.SampleIndex, subsets map[string]*datasets.Subset) error {
	p := plot.New()
	p.Title.Text = "Entries by subset: train (grey), val (blue), test (red)"
	p.X.Label.Text = "easting"
	p.Y.Label.Text = "northing"
	p.Add(plotter.NewGrid())

	var all plotter.XYs
	for _, name := range datasets.Subsets {
		ids := subsets[name].Indices()
		if len(ids) == 0 {
			continue
		}
		xys := make(plotter.XYs, 0, len(ids))
		for _, id := range ids {
			e, err := idx.EntryAt(id)
			if err != nil {
				return err
			}
			xys = append(xys, plotter.XY{X: e.UTM.Easting, Y: e.UTM.Northing})
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = subsetColors[name]
		sc.GlyphStyle.Radius = vg.Points(1.8)
		p.Add(sc)
		p.Legend.Add(name, sc)
		all = append(all, xys...)
	}
	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = autoRange(all)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 8*vg.Inch, filepath.Join(outDir, "subsets.png"))
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = min(xmin, p.X), max(xmax, p.X)
		ymin, ymax = min(ymin, p.Y), max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}
