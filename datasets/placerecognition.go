package datasets

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	"github.com/Noofbiz/placeset/storage"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample is the data of one entry, as returned by PlaceRecognitionDataset.Get.
// It is freshly allocated on every call and shares nothing with the dataset.
type Sample struct {
	// Idx is the global index of the entry.
	Idx int
	UTM Position

	// Pose is nil when the track records no pose for the entry.
	Pose *Pose

	// Data holds one tensor per decoded key: "<image modality>" shaped
	// [3, H, W], and "<cloud modality>_coords" [N, 3] plus
	// "<cloud modality>_feats" [N, 1]. Modalities not recorded for the entry
	// have no key.
	Data map[string]*tensors.Tensor
}

// Keys returns the sorted keys of Data.
func (s *Sample) Keys() []string {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has returns whether the sample holds the given key.
func (s *Sample) Has(key string) bool {
	_, ok := s.Data[key]
	return ok
}

type options struct {
	index    *SampleIndex
	policy   SplitPolicy
	store    storage.Store
	registry *Registry
	decoders map[string]Decoder

	width, height int
	cloud         PointCloudOptions

	positive, negative float64
	collate            CollateOptions
}

// Option configures NewPlaceRecognitionDataset.
type Option func(*options)

// WithIndex reuses an already built SampleIndex of the same root, so several
// subsets can share one catalog. The index's registry is used.
func WithIndex(idx *SampleIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithSplitPolicy sets how entries are assigned to subsets. Defaults to
// DefaultSplitPolicy(root).
func WithSplitPolicy(policy SplitPolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithStore sets where artifacts are read from. Defaults to a
// storage.LocalStore on the dataset root.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRegistry sets the recognized modalities. Defaults to DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDecoder replaces the decoder of one modality, typically one of a
// project-defined registry.
func WithDecoder(modality string, d Decoder) Option {
	return func(o *options) {
		if o.decoders == nil {
			o.decoders = make(map[string]Decoder)
		}
		o.decoders[modality] = d
	}
}

// WithImageSize resizes every camera frame to width x height. Use 0, 0 to keep
// the stored size, which is the default.
func WithImageSize(width, height int) Option {
	return func(o *options) { o.width, o.height = width, height }
}

// WithPointCloudOptions configures the point cloud decoders.
func WithPointCloudOptions(opts PointCloudOptions) Option {
	return func(o *options) { o.cloud = opts }
}

// WithThresholds sets the positive and negative distance thresholds, in metres.
func WithThresholds(positive, negative float64) Option {
	return func(o *options) { o.positive, o.negative = positive, negative }
}

// WithCollateOptions configures Batch.
func WithCollateOptions(opts CollateOptions) Option {
	return func(o *options) { o.collate = opts }
}

// PlaceRecognitionDataset gives access to one subset of a recorded dataset root,
// decoding the requested modalities of an entry only when it is accessed.
//
// It is immutable once built: Get, Batch and the other accessors are safe for
// concurrent use.
type PlaceRecognitionDataset struct {
	root       string
	subsetName string
	dataToLoad []string

	index      *SampleIndex
	subset     *Subset
	modalities []Modality
	decoders   map[string]Decoder
	neighbours *positiveIndex
	collate    CollateOptions
}

var _ Dataset = (*PlaceRecognitionDataset)(nil)

// NewPlaceRecognitionDataset builds the dataset of the given subset ("train",
// "val" or "test") of root, loading the modalities in dataToLoad.
//
// Construction is all or nothing: on error no dataset is returned. Errors are
// *UnknownSubsetError, *UnknownModalityError, *CatalogError, or a plain error
// for invalid options.
func NewPlaceRecognitionDataset(root, subset string, dataToLoad []string, opts ...Option) (*PlaceRecognitionDataset, error) {
	o := options{
		cloud:    DefaultPointCloudOptions(),
		positive: DefaultPositiveThreshold,
		negative: DefaultNegativeThreshold,
		collate:  DefaultCollateOptions(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !IsSubset(subset) {
		return nil, &UnknownSubsetError{Root: root, Subset: subset}
	}

	registry := o.registry
	if o.index != nil {
		if registry != nil && registry != o.index.Registry() {
			return nil, errors.Errorf("dataset_root=%q: WithRegistry and WithIndex disagree on the modality registry", root)
		}
		registry = o.index.Registry()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	var modalities []Modality
	var names []string
	for _, name := range dataToLoad {
		m, ok := registry.Lookup(name)
		if !ok {
			return nil, &UnknownModalityError{Root: root, Modality: name, Known: registry.Names()}
		}
		if slices.Contains(names, name) {
			continue
		}
		modalities = append(modalities, m)
		names = append(names, name)
	}

	if err := checkThresholds(o.positive, o.negative); err != nil {
		return nil, errors.WithMessagef(err, "dataset_root=%q", root)
	}
	if o.width < 0 || o.height < 0 || (o.width == 0) != (o.height == 0) {
		return nil, errors.Errorf("dataset_root=%q: invalid image size %dx%d", root, o.width, o.height)
	}
	if err := o.cloud.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset_root=%q", root)
	}
	if err := o.collate.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "dataset_root=%q", root)
	}

	index := o.index
	if index == nil {
		var err error
		index, err = BuildIndex(root, registry)
		if err != nil {
			return nil, err
		}
	} else if filepath.Clean(index.Root()) != filepath.Clean(root) {
		return nil, errors.Errorf("shared index was built for dataset_root=%q, not %q", index.Root(), root)
	}

	policy := o.policy
	if policy == nil {
		var err error
		policy, err = DefaultSplitPolicy(root)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset_root=%q", root)
		}
	}
	sub, err := SelectSubset(index, policy, subset)
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		store = storage.NewLocalStore(root)
	}
	decoders := make(map[string]Decoder, len(modalities))
	for _, m := range modalities {
		if d, ok := o.decoders[m.Name]; ok {
			decoders[m.Name] = d
			continue
		}
		d, err := newDecoder(m, store, o.width, o.height, o.cloud)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset_root=%q", root)
		}
		decoders[m.Name] = d
	}

	neighbours, err := buildPositiveIndex(index, sub, o.positive, o.negative)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset_root=%q", root)
	}

	klog.V(1).Infof("PlaceRecognitionDataset %q subset %q ready: %d samples, modalities %v", root, subset, sub.Len(), names)
	return &PlaceRecognitionDataset{
		root:       root,
		subsetName: subset,
		dataToLoad: names,
		index:      index,
		subset:     sub,
		modalities: modalities,
		decoders:   decoders,
		neighbours: neighbours,
		collate:    o.collate,
	}, nil
}

// Name implements Dataset.
func (d *PlaceRecognitionDataset) Name() string {
	return fmt.Sprintf("%s/%s", filepath.Base(d.root), d.subsetName)
}

// Root returns the dataset root.
func (d *PlaceRecognitionDataset) Root() string { return d.root }

// Subset returns the resolved subset.
func (d *PlaceRecognitionDataset) Subset() *Subset { return d.subset }

// Index returns the catalog the dataset reads from.
func (d *PlaceRecognitionDataset) Index() *SampleIndex { return d.index }

// DataToLoad returns the requested modality names, in request order.
func (d *PlaceRecognitionDataset) DataToLoad() []string { return slices.Clone(d.dataToLoad) }

// Len returns the number of samples of the subset.
func (d *PlaceRecognitionDataset) Len() int { return d.subset.Len() }

// GlobalIndex maps a position within the subset to the global entry index.
func (d *PlaceRecognitionDataset) GlobalIndex(k int) (int, error) {
	if k < 0 || k >= d.subset.Len() {
		return 0, &IndexRangeError{Subset: d.subsetName, Index: k, Len: d.subset.Len()}
	}
	return d.subset.GlobalIndex(k), nil
}

// Entry returns the catalog entry at position k of the subset.
func (d *PlaceRecognitionDataset) Entry(k int) (Entry, error) {
	g, err := d.GlobalIndex(k)
	if err != nil {
		return Entry{}, err
	}
	return d.index.entries[g], nil
}

// Get decodes the sample at position k of the subset. Requested modalities not
// recorded for the entry are left out of the sample; a modality that fails to
// decode fails the whole call with a *DecodeError.
func (d *PlaceRecognitionDataset) Get(k int) (*Sample, error) {
	e, err := d.Entry(k)
	if err != nil {
		return nil, err
	}
	sample := &Sample{Idx: e.Index, UTM: e.UTM, Data: make(map[string]*tensors.Tensor)}
	if pose, ok := e.Pose(); ok {
		sample.Pose = &pose
	}
	for _, m := range d.modalities {
		ref, ok := e.Ref(m.Name)
		if !ok {
			continue
		}
		payload, err := d.decoders[m.Name].Decode(ref)
		if err != nil {
			return nil, attributeDecodeError(err, m.Name, ref, e.Index)
		}
		for suffix, t := range payload {
			sample.Data[m.Name+suffix] = t
		}
	}
	return sample, nil
}

// attributeDecodeError returns a *DecodeError for err carrying the entry index.
func attributeDecodeError(err error, modality, ref string, idx int) error {
	var de *DecodeError
	if errors.As(err, &de) {
		attributed := *de
		attributed.Idx = idx
		return &attributed
	}
	return &DecodeError{Modality: modality, Ref: ref, Idx: idx, Err: err}
}

// Positives returns the positions of the subset whose place is within the
// positive threshold of position k, excluding k and exact duplicates of its
// position. It returns nil for k out of range.
func (d *PlaceRecognitionDataset) Positives(k int) []int {
	if k < 0 || k >= d.Len() {
		return nil
	}
	return slices.Clone(d.neighbours.positives[k])
}

// NonNegatives returns the positions of the subset within the negative
// threshold of position k, k included. Everything else is a negative of k.
func (d *PlaceRecognitionDataset) NonNegatives(k int) []int {
	if k < 0 || k >= d.Len() {
		return nil
	}
	return slices.Clone(d.neighbours.nonNegatives[k])
}

// Batch decodes the samples at the given subset positions and collates them,
// with the positives and negatives masks between them.
func (d *PlaceRecognitionDataset) Batch(positions []int) (*Batch, error) {
	samples := make([]*Sample, len(positions))
	for i, k := range positions {
		s, err := d.Get(k)
		if err != nil {
			return nil, err
		}
		samples[i] = s
	}
	b, err := Collate(samples, d.collate)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %s", d.Name())
	}
	b.Positions = slices.Clone(positions)

	n := len(positions)
	posMask := make([]bool, n*n)
	negMask := make([]bool, n*n)
	for i, ki := range positions {
		for j, kj := range positions {
			_, isPositive := slices.BinarySearch(d.neighbours.positives[ki], kj)
			_, isNonNegative := slices.BinarySearch(d.neighbours.nonNegatives[ki], kj)
			posMask[i*n+j] = isPositive
			negMask[i*n+j] = !isNonNegative
		}
	}
	b.PositivesMask = tensors.FromFlatDataAndDimensions(posMask, n, n)
	b.NegativesMask = tensors.FromFlatDataAndDimensions(negMask, n, n)
	return b, nil
}
