package datasets

import (
	"iter"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrackFile is the per-session position record stream.
const TrackFile = "track.csv"

// Columns of TrackFile holding the ground-truth position and time.
const (
	ColNorthing  = "northing"
	ColEasting   = "easting"
	ColTimestamp = "timestamp"
)

// PoseColumns are the optional columns of TrackFile holding the full pose of
// the vehicle: translation then rotation quaternion.
var PoseColumns = []string{"tx", "ty", "tz", "qx", "qy", "qz", "qw"}

// Pose is the 6-DoF pose of an entry in the map frame.
type Pose struct {
	Tx, Ty, Tz     float64
	Qx, Qy, Qz, Qw float64
}

// Vec returns the pose in PoseColumns order.
func (p Pose) Vec() [7]float64 {
	return [7]float64{p.Tx, p.Ty, p.Tz, p.Qx, p.Qy, p.Qz, p.Qw}
}

// Position is a 2D coordinate in the projected UTM frame, in metres.
type Position struct {
	Easting  float64
	Northing float64
}

// Vec returns the position as (easting, northing).
func (p Position) Vec() [2]float64 {
	return [2]float64{p.Easting, p.Northing}
}

// Entry is one recorded position of a traversal. Entries are values; their
// modality references are only reachable through Ref and Modalities, so an
// Entry cannot be changed once the SampleIndex is built.
type Entry struct {
	// Index is the global, stable index of the entry within the SampleIndex.
	Index int

	// Session is the name of the traversal the entry was recorded in.
	Session   string
	Timestamp int64
	UTM       Position

	pose *Pose
	refs map[string]string
}

// Pose returns the pose of the entry, if its track records one.
func (e Entry) Pose() (Pose, bool) {
	if e.pose == nil {
		return Pose{}, false
	}
	return *e.pose, true
}

// Ref returns the storage key of the given modality for this entry, and
// whether the modality was recorded for it.
func (e Entry) Ref(modality string) (string, bool) {
	ref, ok := e.refs[modality]
	return ref, ok
}

// Modalities returns the sorted names of the modalities recorded for this
// entry.
func (e Entry) Modalities() []string {
	names := make([]string, 0, len(e.refs))
	for name := range e.refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SampleIndex is the immutable, ordered catalog of every entry under a
// dataset root. It is safe to share between goroutines.
//
// Entries are numbered session by session, sessions in lexicographic order of
// their directory names and rows in file order, so the same root always yields
// the same indices.
type SampleIndex struct {
	root     string
	registry *Registry
	entries  []Entry
	sessions []string
}

// BuildIndex scans the recorded sessions under root and catalogs every row of
// their track.csv that has a position. Modalities of the registry (or the
// DefaultRegistry if nil) whose column holds a non-empty cell are referenced;
// others are left out of the entry.
//
// Sensor payloads are not read.
func BuildIndex(root string, registry *Registry) (*SampleIndex, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, &CatalogError{Root: root, Reason: "dataset_root is not accessible", Err: err}
	}
	if !info.IsDir() {
		return nil, &CatalogError{Root: root, Reason: "dataset_root is not a directory"}
	}

	sessions, err := findSessions(root)
	if err != nil {
		return nil, &CatalogError{Root: root, Reason: "failed to list sessions", Err: err}
	}
	if len(sessions) == 0 {
		return nil, &CatalogError{Root: root, Reason: "no session with a " + TrackFile + " position record found"}
	}

	idx := &SampleIndex{root: root, registry: registry}
	for _, session := range sessions {
		if err := idx.addSession(session); err != nil {
			return nil, err
		}
		idx.sessions = append(idx.sessions, session.name)
	}
	if len(idx.entries) == 0 {
		return nil, &CatalogError{Root: root, Reason: "no position records found"}
	}
	klog.V(1).Infof("Built sample index for %q: %d entries from %d sessions", root, len(idx.entries), len(idx.sessions))
	return idx, nil
}

// addSession appends the entries of one session.
func (idx *SampleIndex) addSession(session sessionDir) error {
	catalogErr := func(row int, reason string, err error) error {
		return &CatalogError{Root: idx.root, Session: session.name, Row: row, Reason: reason, Err: err}
	}

	header, rows, err := readTrackCSV(session.trackPath)
	if err != nil {
		return catalogErr(0, "failed to read "+TrackFile, err)
	}
	colIndex := headerIndex(header)
	for _, col := range []string{ColNorthing, ColEasting} {
		if _, ok := colIndex[col]; !ok {
			return catalogErr(0, "required position column "+col+" not found in "+TrackFile, nil)
		}
	}

	// Only modalities with a column in this session can ever be present.
	type column struct {
		modality Modality
		col      string
	}
	var columns []column
	for _, m := range idx.registry.Modalities() {
		col := strings.ToLower(m.Column)
		if _, ok := colIndex[col]; ok {
			columns = append(columns, column{modality: m, col: col})
		}
	}

	hasPose := true
	for _, col := range PoseColumns {
		if _, ok := colIndex[col]; !ok {
			hasPose = false
		}
	}

	skipped := 0
	for i, record := range rows {
		rowNum := i + 1
		northingCell := cell(record, colIndex, ColNorthing)
		eastingCell := cell(record, colIndex, ColEasting)
		if northingCell == "" && eastingCell == "" {
			skipped++
			continue
		}
		if northingCell == "" || eastingCell == "" {
			return catalogErr(rowNum, "position must have both northing and easting", nil)
		}
		northing, err := parseFloat64(northingCell)
		if err != nil {
			return catalogErr(rowNum, "malformed northing", err)
		}
		easting, err := parseFloat64(eastingCell)
		if err != nil {
			return catalogErr(rowNum, "malformed easting", err)
		}
		ts, err := parseTimestamp(cell(record, colIndex, ColTimestamp))
		if err != nil {
			return catalogErr(rowNum, "malformed timestamp", err)
		}

		var pose *Pose
		if hasPose {
			if pose, err = parsePose(record, colIndex); err != nil {
				return catalogErr(rowNum, "malformed pose", err)
			}
		}

		refs := make(map[string]string, len(columns))
		for _, c := range columns {
			value := normalizeTimestampCell(cell(record, colIndex, c.col))
			if value == "" || strings.EqualFold(value, "nan") {
				continue
			}
			refs[c.modality.Name] = c.modality.Ref(session.prefix, value)
		}

		idx.entries = append(idx.entries, Entry{
			Index:     len(idx.entries),
			Session:   session.name,
			Timestamp: ts,
			UTM:       Position{Easting: easting, Northing: northing},
			pose:      pose,
			refs:      refs,
		})
	}
	if skipped > 0 {
		klog.Warningf("Session %q in %q: skipped %d rows without a position", session.name, idx.root, skipped)
	}
	return nil
}

// parsePose reads the PoseColumns of a row. A row leaving them all empty has
// no pose.
func parsePose(record []string, colIndex map[string]int) (*Pose, error) {
	var v [7]float64
	empty := 0
	for i, col := range PoseColumns {
		c := cell(record, colIndex, col)
		if c == "" {
			empty++
			continue
		}
		f, err := parseFloat64(c)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", col)
		}
		v[i] = f
	}
	switch empty {
	case len(PoseColumns):
		return nil, nil
	case 0:
		return &Pose{Tx: v[0], Ty: v[1], Tz: v[2], Qx: v[3], Qy: v[4], Qz: v[5], Qw: v[6]}, nil
	default:
		return nil, errors.Errorf("%d of %d pose columns are empty", empty, len(PoseColumns))
	}
}

// Root returns the dataset root the index was built from.
func (idx *SampleIndex) Root() string { return idx.root }

// Registry returns the modality registry used to build the index.
func (idx *SampleIndex) Registry() *Registry { return idx.registry }

// Len returns the number of entries.
func (idx *SampleIndex) Len() int { return len(idx.entries) }

// EntryAt returns the entry with the given global index.
func (idx *SampleIndex) EntryAt(globalIndex int) (Entry, error) {
	if globalIndex < 0 || globalIndex >= len(idx.entries) {
		return Entry{}, errors.WithStack(&IndexRangeError{Subset: "all", Index: globalIndex, Len: len(idx.entries)})
	}
	return idx.entries[globalIndex], nil
}

// Sessions returns the session names in index order.
func (idx *SampleIndex) Sessions() []string {
	return slices.Clone(idx.sessions)
}

// Entries iterates over every entry in index order.
func (idx *SampleIndex) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range idx.entries {
			if !yield(e) {
				return
			}
		}
	}
}
