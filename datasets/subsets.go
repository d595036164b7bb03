package datasets

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"gonum.org/v1/gonum/spatial/r2"
	"k8s.io/klog/v2"
)

// Subset names.
const (
	SubsetTrain = "train"
	SubsetVal   = "val"
	SubsetTest  = "test"
)

// Subsets lists the recognized subset names.
var Subsets = []string{SubsetTrain, SubsetVal, SubsetTest}

// SplitsFile is the optional per-root file assigning sessions to subsets, read
// by LoadSessionSplit.
const SplitsFile = "splits.json"

// IsSubset returns whether name is one of Subsets.
func IsSubset(name string) bool {
	return slices.Contains(Subsets, name)
}

// SplitPolicy assigns entries to subsets. Implementations must be pure
// functions of the entry: no randomness, no dependency on call order. An entry
// for which ok is false is held out of every subset.
type SplitPolicy interface {
	Assign(e Entry) (subset string, ok bool)
}

// SessionSplit assigns whole traversals to subsets by name. Sessions listed
// nowhere are held out.
type SessionSplit struct {
	Train []string `json:"train"`
	Val   []string `json:"val"`
	Test  []string `json:"test"`

	lookup map[string]string
}

// NewSessionSplit builds a SessionSplit, failing if a session is listed in more
// than one subset.
func NewSessionSplit(train, val, test []string) (*SessionSplit, error) {
	s := &SessionSplit{Train: train, Val: val, Test: test}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SessionSplit) init() error {
	s.lookup = make(map[string]string, len(s.Train)+len(s.Val)+len(s.Test))
	for _, group := range []struct {
		name     string
		sessions []string
	}{{SubsetTrain, s.Train}, {SubsetVal, s.Val}, {SubsetTest, s.Test}} {
		for _, session := range group.sessions {
			if prev, dup := s.lookup[session]; dup && prev != group.name {
				return errors.Errorf("session %q assigned to both %q and %q", session, prev, group.name)
			}
			s.lookup[session] = group.name
		}
	}
	return nil
}

// Assign implements SplitPolicy.
func (s *SessionSplit) Assign(e Entry) (string, bool) {
	name, ok := s.lookup[e.Session]
	return name, ok
}

// LoadSessionSplit reads SplitsFile from root.
func LoadSessionSplit(root string) (*SessionSplit, error) {
	path := filepath.Join(root, SplitsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read session split %s", path)
	}
	s := &SessionSplit{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "failed to parse session split %s", path)
	}
	if err := s.init(); err != nil {
		return nil, errors.WithMessagef(err, "invalid session split %s", path)
	}
	return s, nil
}

// ColTrack is the column of a subset CSV naming the session of each row.
// Files without it match rows by timestamp alone.
const ColTrack = "track"

// SubsetCSVPath returns the path of the CSV listing the rows of subset under
// root, e.g. <root>/train.csv.
func SubsetCSVPath(root, subset string) string {
	return filepath.Join(root, subset+".csv")
}

// HasSubsetCSVs returns whether root holds a CSV for at least one subset.
func HasSubsetCSVs(root string) bool {
	return slices.ContainsFunc(Subsets, func(name string) bool {
		return fileExists(SubsetCSVPath(root, name))
	})
}

type rowKey struct {
	session   string
	timestamp int64
}

// SubsetCSVSplit assigns the entries listed in the per-subset CSV files of a
// root (train.csv, val.csv, test.csv), matching rows by track and timestamp.
// Missing files leave their subset empty; unlisted entries are held out.
type SubsetCSVSplit struct {
	lookup map[rowKey]string
}

// LoadSubsetCSVSplit reads the subset CSVs of root. Each needs a timestamp
// column; a row listed in two subsets is an error.
func LoadSubsetCSVSplit(root string) (*SubsetCSVSplit, error) {
	s := &SubsetCSVSplit{lookup: make(map[rowKey]string)}
	found := 0
	for _, name := range Subsets {
		path := SubsetCSVPath(root, name)
		if !fileExists(path) {
			continue
		}
		found++
		if err := s.load(path, name); err != nil {
			return nil, err
		}
	}
	if found == 0 {
		return nil, errors.Errorf("no subset CSV (%s.csv, %s.csv, %s.csv) in %q", SubsetTrain, SubsetVal, SubsetTest, root)
	}
	return s, nil
}

func (s *SubsetCSVSplit) load(path, subset string) error {
	header, rows, err := readTrackCSV(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read subset CSV %s", path)
	}
	colIndex := headerIndex(header)
	if _, ok := colIndex[ColTimestamp]; !ok {
		return errors.Errorf("subset CSV %s: column %q not found", path, ColTimestamp)
	}
	for i, record := range rows {
		tsCell := cell(record, colIndex, ColTimestamp)
		if tsCell == "" {
			return errors.Errorf("subset CSV %s row %d: empty timestamp", path, i+1)
		}
		ts, err := parseTimestamp(tsCell)
		if err != nil {
			return errors.Wrapf(err, "subset CSV %s row %d: malformed timestamp", path, i+1)
		}
		key := rowKey{session: cell(record, colIndex, ColTrack), timestamp: ts}
		if prev, dup := s.lookup[key]; dup && prev != subset {
			return errors.Errorf("row track=%q timestamp=%d listed in both %q and %q", key.session, ts, prev, subset)
		}
		s.lookup[key] = subset
	}
	return nil
}

// Assign implements SplitPolicy.
func (s *SubsetCSVSplit) Assign(e Entry) (string, bool) {
	if name, ok := s.lookup[rowKey{session: e.Session, timestamp: e.Timestamp}]; ok {
		return name, true
	}
	name, ok := s.lookup[rowKey{timestamp: e.Timestamp}]
	return name, ok
}

// HashSplit assigns whole traversals to subsets by the xxh3 hash of their name,
// so the assignment is the same on every machine and needs no split file.
type HashSplit struct {
	ValPercent  int
	TestPercent int
}

// Validate checks the percentages.
func (h HashSplit) Validate() error {
	if h.ValPercent < 0 || h.TestPercent < 0 || h.ValPercent+h.TestPercent > 100 {
		return errors.Errorf("invalid hash split val=%d%% test=%d%%: percentages must be non-negative and sum to at most 100",
			h.ValPercent, h.TestPercent)
	}
	return nil
}

// Assign implements SplitPolicy.
func (h HashSplit) Assign(e Entry) (string, bool) {
	bucket := int(xxh3.HashString(e.Session) % 100)
	switch {
	case bucket < h.TestPercent:
		return SubsetTest, true
	case bucket < h.TestPercent+h.ValPercent:
		return SubsetVal, true
	default:
		return SubsetTrain, true
	}
}

// Region is an axis aligned box in UTM coordinates.
type Region struct {
	MinEasting  float64 `json:"min_easting"`
	MinNorthing float64 `json:"min_northing"`
	MaxEasting  float64 `json:"max_easting"`
	MaxNorthing float64 `json:"max_northing"`
}

func (r Region) box() r2.Box {
	return r2.Box{
		Min: r2.Vec{X: r.MinEasting, Y: r.MinNorthing},
		Max: r2.Vec{X: r.MaxEasting, Y: r.MaxNorthing},
	}.Canon()
}

// distance from p to the closest point of the region, 0 inside.
func (r Region) distance(p r2.Vec) float64 {
	b := r.box()
	closest := r2.Vec{
		X: math.Max(b.Min.X, math.Min(p.X, b.Max.X)),
		Y: math.Max(b.Min.Y, math.Min(p.Y, b.Max.Y)),
	}
	return r2.Norm(r2.Sub(p, closest))
}

// RegionSplit assigns entries geographically: entries inside a Test region go
// to test, then entries inside a Val region go to val. Entries outside those
// regions but closer than Buffer metres to any of them are held out, so that no
// train place overlaps an evaluation place. Everything else is train.
type RegionSplit struct {
	Val    []Region
	Test   []Region
	Buffer float64
}

// Assign implements SplitPolicy.
func (s RegionSplit) Assign(e Entry) (string, bool) {
	p := r2.Vec{X: e.UTM.Easting, Y: e.UTM.Northing}
	nearest := math.Inf(1)
	for _, group := range []struct {
		name    string
		regions []Region
	}{{SubsetTest, s.Test}, {SubsetVal, s.Val}} {
		for _, r := range group.regions {
			d := r.distance(p)
			if d == 0 {
				return group.name, true
			}
			nearest = math.Min(nearest, d)
		}
	}
	if nearest < s.Buffer {
		return "", false
	}
	return SubsetTrain, true
}

// DefaultSplitPolicy returns, in order of preference, the SubsetCSVSplit of
// root's per-subset CSVs, the SessionSplit in its SplitsFile, or a 80/10/10
// HashSplit.
func DefaultSplitPolicy(root string) (SplitPolicy, error) {
	if HasSubsetCSVs(root) {
		return LoadSubsetCSVSplit(root)
	}
	if fileExists(filepath.Join(root, SplitsFile)) {
		return LoadSessionSplit(root)
	}
	return HashSplit{ValPercent: 10, TestPercent: 10}, nil
}

// Subset is the immutable set of global entry indices assigned to one subset
// name. Positions within the subset follow ascending global index.
type Subset struct {
	name    string
	bitmap  *roaring.Bitmap
	globals []int
}

// SelectSubset resolves the entries of idx that policy assigns to name.
func SelectSubset(idx *SampleIndex, policy SplitPolicy, name string) (*Subset, error) {
	if !IsSubset(name) {
		return nil, &UnknownSubsetError{Root: idx.Root(), Subset: name}
	}
	bitmap := roaring.New()
	for e := range idx.Entries() {
		assigned, ok := policy.Assign(e)
		if !ok {
			continue
		}
		if !IsSubset(assigned) {
			return nil, errors.Errorf("split policy %T assigned entry idx=%d of dataset_root=%q to unknown subset %q",
				policy, e.Index, idx.Root(), assigned)
		}
		if assigned == name {
			bitmap.Add(uint32(e.Index))
		}
	}
	bitmap.RunOptimize()

	ids := bitmap.ToArray()
	globals := make([]int, len(ids))
	for i, id := range ids {
		globals[i] = int(id)
	}
	klog.V(1).Infof("Subset %q of %q: %d of %d entries", name, idx.Root(), len(globals), idx.Len())
	return &Subset{name: name, bitmap: bitmap, globals: globals}, nil
}

// Name returns the subset name.
func (s *Subset) Name() string { return s.name }

// Len returns the number of entries in the subset.
func (s *Subset) Len() int { return len(s.globals) }

// GlobalIndex returns the global entry index at the given position. It panics
// if position is out of range, like indexing a slice.
func (s *Subset) GlobalIndex(position int) int { return s.globals[position] }

// Contains returns whether the global index belongs to the subset.
func (s *Subset) Contains(globalIndex int) bool {
	return globalIndex >= 0 && s.bitmap.Contains(uint32(globalIndex))
}

// Indices returns a copy of the global indices in subset order.
func (s *Subset) Indices() []int { return slices.Clone(s.globals) }

// Intersects returns whether the two subsets share any entry.
func (s *Subset) Intersects(other *Subset) bool {
	return s.bitmap.Intersects(other.bitmap)
}

// SelectAll resolves every subset of Subsets.
func SelectAll(idx *SampleIndex, policy SplitPolicy) (map[string]*Subset, error) {
	all := make(map[string]*Subset, len(Subsets))
	for _, name := range Subsets {
		s, err := SelectSubset(idx, policy, name)
		if err != nil {
			return nil, err
		}
		all[name] = s
	}
	return all, nil
}

// CheckDisjoint resolves all subsets of idx under policy and verifies that no
// entry belongs to more than one.
func CheckDisjoint(idx *SampleIndex, policy SplitPolicy) error {
	all, err := SelectAll(idx, policy)
	if err != nil {
		return err
	}
	for i, a := range Subsets {
		for _, b := range Subsets[i+1:] {
			if all[a].Intersects(all[b]) {
				shared := roaring.And(all[a].bitmap, all[b].bitmap)
				return errors.Errorf("subsets %q and %q of dataset_root=%q share %d entries (first idx=%d)",
					a, b, idx.Root(), shared.GetCardinality(), shared.Minimum())
			}
		}
	}
	return nil
}
