package datasets

import (
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// Kind is the family of a modality, which selects its decoder and the shape of
// its payload.
type Kind uint8

const (
	// KindImage payloads are [3, H, W] float32 tensors.
	KindImage Kind = iota
	// KindPointCloud payloads are split into "_coords" [N, 3] and "_feats" [N, 1].
	KindPointCloud
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindPointCloud:
		return "pointcloud"
	default:
		return "unknown"
	}
}

// Modality describes one sensor stream of a recorded session: which track.csv
// column holds its timestamp, and where its files live.
type Modality struct {
	Name string
	Kind Kind

	// Column in track.csv whose (non-empty) cell names the artifact.
	Column string

	// Dir is the sub-directory of the session holding the artifacts, and Ext
	// the file extension (including the dot, and any ".zst"/".lz4" suffix).
	Dir string
	Ext string
}

// Ref returns the storage key of the artifact named by cell, under the
// session key prefix ("" for a single-track root).
func (m Modality) Ref(prefix, cell string) string {
	key := m.Dir + "/" + cell + m.Ext
	if m.Dir == "" {
		key = cell + m.Ext
	}
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Sample keys used for the payload of each kind.
const (
	CoordsSuffix = "_coords"
	FeatsSuffix  = "_feats"
)

// Keys returns the Sample.Data keys produced by this modality.
func (m Modality) Keys() []string {
	if m.Kind == KindPointCloud {
		return []string{m.Name + CoordsSuffix, m.Name + FeatsSuffix}
	}
	return []string{m.Name}
}

// DefaultModalities lists the sensor streams recognized by default.
var DefaultModalities = []Modality{
	{Name: "image", Kind: KindImage, Column: "image_ts", Dir: "image", Ext: ".png"},
	{Name: "pointcloud", Kind: KindPointCloud, Column: "pointcloud_ts", Dir: "pointcloud", Ext: ".bin"},
	{Name: "front_cam", Kind: KindImage, Column: "front_cam_ts", Dir: "front_cam", Ext: ".png"},
	{Name: "back_cam", Kind: KindImage, Column: "back_cam_ts", Dir: "back_cam", Ext: ".png"},
	{Name: "lidar", Kind: KindPointCloud, Column: "lidar_ts", Dir: "lidar", Ext: ".bin"},
}

// Registry is the project-defined enumeration of modalities.
type Registry struct {
	byName map[string]Modality
	order  []string
}

// NewRegistry builds a Registry, rejecting duplicate or empty names.
func NewRegistry(modalities ...Modality) (*Registry, error) {
	r := &Registry{byName: make(map[string]Modality, len(modalities))}
	for _, m := range modalities {
		if m.Name == "" || m.Column == "" {
			return nil, errors.Errorf("modality %+v needs a name and a column", m)
		}
		if _, dup := r.byName[m.Name]; dup {
			return nil, errors.Errorf("modality %q registered twice", m.Name)
		}
		r.byName[m.Name] = m
		r.order = append(r.order, m.Name)
	}
	return r, nil
}

// DefaultRegistry returns a Registry with DefaultModalities.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultModalities...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the modality registered under name.
func (r *Registry) Lookup(name string) (Modality, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Modalities returns all registered modalities in registration order.
func (r *Registry) Modalities() []Modality {
	out := make([]Modality, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	names := slices.Clone(r.order)
	sort.Strings(names)
	return names
}
