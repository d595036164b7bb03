package main

// Example command that opens the training subset of a place recognition
// dataset, prints one sample and its positives, then iterates one epoch of
// collated batches with the parallel loader.
//
// Usage:
//   go run ./datasets/example -root /data/itlp -modalities front_cam,lidar
//
// The root must contain one directory per recording session, each with a
// track.csv file. Without a splits.json file the sessions are split by hash.

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/Noofbiz/placeset/datasets"
	"github.com/Noofbiz/placeset/loader"
)

func main() {
	root := flag.String("root", "../assets/itlp", "dataset root")
	modalities := flag.String("modalities", "front_cam,lidar", "comma-separated modalities to load")
	batchSize := flag.Int("batch-size", 8, "batch size")
	flag.Parse()

	ds, err := datasets.NewPlaceRecognitionDataset(*root, datasets.SubsetTrain, strings.Split(*modalities, ","),
		datasets.WithImageSize(datasets.DefaultImageWidth, datasets.DefaultImageHeight))
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}
	fmt.Printf("Dataset %s: %d samples\n", ds.Name(), ds.Len())
	if ds.Len() == 0 {
		return
	}

	// Samples are decoded lazily, one Get at a time.
	s, err := ds.Get(0)
	if err != nil {
		log.Fatalf("failed to load sample 0: %v", err)
	}
	fmt.Printf("Sample 0: idx=%d utm=(%.1f, %.1f)\n", s.Idx, s.UTM.Easting, s.UTM.Northing)
	for _, key := range s.Keys() {
		fmt.Printf("  %s: %v\n", key, s.Data[key].Shape().Dimensions)
	}
	fmt.Printf("  positives: %v\n", ds.Positives(0))

	l, err := loader.New(ds, loader.Options{BatchSize: *batchSize, Shuffle: true, Seed: 1})
	if err != nil {
		log.Fatalf("failed to create loader: %v", err)
	}
	defer l.Close()

	fmt.Printf("Iterating %d batches...\n", l.NumBatches())
	for {
		b, err := l.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("failed to load batch: %v", err)
		}
		fmt.Printf("  batch of %d: %s\n", b.Size(), strings.Join(b.Keys(), ", "))
	}
	fmt.Println("\nExample completed successfully!")
}
