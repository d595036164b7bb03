package datasets

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Default distance thresholds, in metres, between places.
const (
	DefaultPositiveThreshold = 10.0
	DefaultNegativeThreshold = 50.0
)

// place is a kd-tree point: a UTM position tagged with its subset position.
type place struct {
	pos      int
	easting  float64
	northing float64
}

var _ kdtree.Comparable = place{}

func (p place) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(place)
	if d == 0 {
		return p.easting - q.easting
	}
	return p.northing - q.northing
}

func (p place) Dims() int { return 2 }

// Distance is the squared euclidean distance, as kdtree expects.
func (p place) Distance(c kdtree.Comparable) float64 {
	q := c.(place)
	de, dn := p.easting-q.easting, p.northing-q.northing
	return de*de + dn*dn
}

// places implements kdtree.Interface.
type places []place

func (p places) Index(i int) kdtree.Comparable         { return p[i] }
func (p places) Len() int                              { return len(p) }
func (p places) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p places) Pivot(d kdtree.Dim) int {
	plane := placePlane{places: p, dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfMedians(plane))
}

// placePlane sorts places along one dimension.
type placePlane struct {
	places
	dim kdtree.Dim
}

func (p placePlane) Less(i, j int) bool {
	return p.places[i].Compare(p.places[j], p.dim) < 0
}
func (p placePlane) Swap(i, j int) { p.places[i], p.places[j] = p.places[j], p.places[i] }
func (p placePlane) Slice(start, end int) kdtree.SortSlicer {
	p.places = p.places[start:end]
	return p
}

// positiveIndex holds, for every position of a subset, the other positions
// within the positive and negative thresholds.
type positiveIndex struct {
	positive float64
	negative float64

	positives    [][]int
	nonNegatives [][]int
}

// buildPositiveIndex computes the neighbours of every entry of the subset.
// Positives are entries at a distance d with 0 < d < positive; non-negatives
// are entries with d < negative, the entry itself included.
func buildPositiveIndex(idx *SampleIndex, subset *Subset, positive, negative float64) (*positiveIndex, error) {
	if err := checkThresholds(positive, negative); err != nil {
		return nil, err
	}
	n := subset.Len()
	pts := make(places, n)
	for k := range n {
		e := idx.entries[subset.GlobalIndex(k)]
		pts[k] = place{pos: k, easting: e.UTM.Easting, northing: e.UTM.Northing}
	}
	query := slices.Clone(pts)

	pi := &positiveIndex{
		positive:     positive,
		negative:     negative,
		positives:    make([][]int, n),
		nonNegatives: make([][]int, n),
	}
	if n == 0 {
		return pi, nil
	}
	// kdtree.New reorders pts; query keeps subset order.
	tree := kdtree.New(pts, false)
	pos2, neg2 := positive*positive, negative*negative
	for k, q := range query {
		keeper := kdtree.NewDistKeeper(neg2)
		tree.NearestSet(keeper, q)
		var pos, nonNeg []int
		for _, c := range keeper.Heap {
			if c.Comparable == nil || c.Dist >= neg2 {
				continue
			}
			other := c.Comparable.(place).pos
			nonNeg = append(nonNeg, other)
			if other != k && c.Dist > 0 && c.Dist < pos2 {
				pos = append(pos, other)
			}
		}
		slices.Sort(pos)
		slices.Sort(nonNeg)
		pi.positives[k] = pos
		pi.nonNegatives[k] = nonNeg
	}
	return pi, nil
}

func checkThresholds(positive, negative float64) error {
	if positive < 0 || negative < 0 {
		return errors.Errorf("distance thresholds must be non-negative, got positive=%g negative=%g", positive, negative)
	}
	if positive > negative {
		return errors.Errorf("positive threshold %g must not exceed negative threshold %g", positive, negative)
	}
	return nil
}
