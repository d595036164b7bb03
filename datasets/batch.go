package datasets

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch tensor names, as listed by Batch.Keys.
const (
	KeyIdxs  = "idxs"
	KeyUTMs  = "utms"
	KeyPoses = "poses"
)

// DefaultQuantizationSize is the voxel edge, in metres, clouds are quantized to.
const DefaultQuantizationSize = 0.5

// CollateOptions configures Collate.
type CollateOptions struct {
	// QuantizationSize is the voxel edge used to quantize point clouds. Only
	// the first point of each voxel is kept.
	QuantizationSize float64
}

// DefaultCollateOptions returns the collation used for the recorded lidar.
func DefaultCollateOptions() CollateOptions {
	return CollateOptions{QuantizationSize: DefaultQuantizationSize}
}

// Validate checks the options.
func (o CollateOptions) Validate() error {
	if !(o.QuantizationSize > 0) || math.IsInf(o.QuantizationSize, 0) {
		return errors.Errorf("quantization size must be a positive number of metres, got %g", o.QuantizationSize)
	}
	return nil
}

// CloudBatch is a batch of quantized point clouds in sparse form.
type CloudBatch struct {
	// Coords is an int32 [M, 4] tensor: the batch position of the point
	// followed by its voxel coordinates.
	Coords *tensors.Tensor

	// Feats is a float32 [M, 1] tensor aligned with Coords.
	Feats *tensors.Tensor
}

// Batch is a set of samples stacked into tensors.
type Batch struct {
	// Positions within the subset of the samples, if built by a dataset.
	Positions []int

	// Idxs is an int64 [B] tensor of global entry indices.
	Idxs *tensors.Tensor

	// UTMs is a float64 [B, 2] tensor of (easting, northing).
	UTMs *tensors.Tensor

	// Poses is a float32 [B, 7] tensor in PoseColumns order, nil unless every
	// sample has a pose.
	Poses *tensors.Tensor

	// Images by modality name, float32 [B, 3, H, W].
	Images map[string]*tensors.Tensor

	// Clouds by modality name.
	Clouds map[string]CloudBatch

	// PositivesMask and NegativesMask are bool [B, B] tensors, set by
	// PlaceRecognitionDataset.Batch. Element (i, j) tells whether sample j is
	// a positive (resp. negative) of sample i.
	PositivesMask *tensors.Tensor
	NegativesMask *tensors.Tensor
}

// Size returns the number of samples.
func (b *Batch) Size() int {
	if b.Idxs == nil {
		return 0
	}
	return b.Idxs.Shape().Dimensions[0]
}

// Keys returns the names of the tensors returned by Tensors, in the same
// order: idxs, utms, poses if set, images sorted by name, then the coords and
// feats of each cloud sorted by name.
func (b *Batch) Keys() []string {
	keys := []string{KeyIdxs, KeyUTMs}
	if b.Poses != nil {
		keys = append(keys, KeyPoses)
	}
	keys = append(keys, sortedKeys(b.Images)...)
	for _, name := range sortedKeys(b.Clouds) {
		keys = append(keys, name+CoordsSuffix, name+FeatsSuffix)
	}
	return keys
}

// Tensors returns the batch tensors in Keys order.
func (b *Batch) Tensors() []*tensors.Tensor {
	ts := []*tensors.Tensor{b.Idxs, b.UTMs}
	if b.Poses != nil {
		ts = append(ts, b.Poses)
	}
	for _, name := range sortedKeys(b.Images) {
		ts = append(ts, b.Images[name])
	}
	for _, name := range sortedKeys(b.Clouds) {
		ts = append(ts, b.Clouds[name].Coords, b.Clouds[name].Feats)
	}
	return ts
}

// Labels returns the positives and negatives masks, or nil if they are not set.
func (b *Batch) Labels() []*tensors.Tensor {
	if b.PositivesMask == nil || b.NegativesMask == nil {
		return nil
	}
	return []*tensors.Tensor{b.PositivesMask, b.NegativesMask}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Collate stacks samples into a Batch. Every sample must hold the same keys,
// and images of one modality must share their size. Point clouds are quantized
// to opts.QuantizationSize voxels.
func Collate(samples []*Sample, opts CollateOptions) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	keys := samples[0].Keys()
	for _, s := range samples[1:] {
		if err := sameKeys(keys, s); err != nil {
			return nil, errors.WithMessagef(err, "idx=%d and idx=%d", samples[0].Idx, s.Idx)
		}
	}

	n := len(samples)
	idxs := make([]int64, n)
	utms := make([]float64, 2*n)
	for i, s := range samples {
		idxs[i] = int64(s.Idx)
		utms[2*i], utms[2*i+1] = s.UTM.Easting, s.UTM.Northing
	}
	poses, err := stackPoses(samples)
	if err != nil {
		return nil, err
	}
	b := &Batch{
		Idxs:   tensors.FromFlatDataAndDimensions(idxs, n),
		UTMs:   tensors.FromFlatDataAndDimensions(utms, n, 2),
		Poses:  poses,
		Images: make(map[string]*tensors.Tensor),
		Clouds: make(map[string]CloudBatch),
	}

	for _, key := range keys {
		switch {
		case strings.HasSuffix(key, CoordsSuffix):
			name := strings.TrimSuffix(key, CoordsSuffix)
			cloud, err := collateClouds(samples, name, opts.QuantizationSize)
			if err != nil {
				return nil, err
			}
			b.Clouds[name] = cloud
		case strings.HasSuffix(key, FeatsSuffix):
			if !slices.Contains(keys, strings.TrimSuffix(key, FeatsSuffix)+CoordsSuffix) {
				return nil, errors.Errorf("sample key %q has no matching %s", key, CoordsSuffix)
			}
		default:
			images, err := stackImages(samples, key)
			if err != nil {
				return nil, err
			}
			b.Images[key] = images
		}
	}
	return b, nil
}

// stackPoses builds the [B, 7] poses tensor, or nil if no sample has a pose.
func stackPoses(samples []*Sample) (*tensors.Tensor, error) {
	first := samples[0]
	for _, s := range samples[1:] {
		if (s.Pose == nil) != (first.Pose == nil) {
			return nil, errors.Errorf("pose recorded for only one of idx=%d and idx=%d: a batch must be uniform", first.Idx, s.Idx)
		}
	}
	if first.Pose == nil {
		return nil, nil
	}
	flat := make([]float32, 0, len(samples)*len(PoseColumns))
	for _, s := range samples {
		for _, v := range s.Pose.Vec() {
			flat = append(flat, float32(v))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(samples), len(PoseColumns)), nil
}

func sameKeys(keys []string, s *Sample) error {
	for _, k := range keys {
		if !s.Has(k) {
			return errors.Errorf("modality key %q missing from idx=%d: a batch must hold the same modalities in every sample", k, s.Idx)
		}
	}
	if len(s.Data) != len(keys) {
		for _, k := range s.Keys() {
			if !slices.Contains(keys, k) {
				return errors.Errorf("modality key %q present only in some samples (idx=%d has it)", k, s.Idx)
			}
		}
	}
	return nil
}

// stackImages builds a [B, 3, H, W] tensor.
func stackImages(samples []*Sample, key string) (*tensors.Tensor, error) {
	var dims []int
	var flat []float32
	for i, s := range samples {
		t := s.Data[key]
		d := t.Shape().Dimensions
		if len(d) != 3 {
			return nil, errors.Errorf("image %q of idx=%d has shape %v, wanted [C, H, W]", key, s.Idx, d)
		}
		if i == 0 {
			dims = slices.Clone(d)
			flat = make([]float32, 0, len(samples)*d[0]*d[1]*d[2])
		} else if !slices.Equal(dims, d) {
			return nil, errors.Errorf("image %q of idx=%d has shape %v, but idx=%d has %v: images of a batch must share their size",
				key, s.Idx, d, samples[0].Idx, dims)
		}
		flat = append(flat, tensors.MustCopyFlatData[float32](t)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(samples), dims[0], dims[1], dims[2]), nil
}

// collateClouds quantizes the clouds of modality name and concatenates them,
// prefixing each voxel with its batch position.
func collateClouds(samples []*Sample, name string, voxel float64) (CloudBatch, error) {
	var coords []int32
	var feats []float32
	for i, s := range samples {
		ct, ft := s.Data[name+CoordsSuffix], s.Data[name+FeatsSuffix]
		cd, fd := ct.Shape().Dimensions, ft.Shape().Dimensions
		if len(cd) != 2 || cd[1] != 3 || len(fd) != 2 || fd[1] != 1 || cd[0] != fd[0] {
			return CloudBatch{}, errors.Errorf("point cloud %q of idx=%d has coords %v and feats %v, wanted [N, 3] and [N, 1]",
				name, s.Idx, cd, fd)
		}
		voxels, keep := quantize(tensors.MustCopyFlatData[float32](ct), voxel)
		pointFeats := tensors.MustCopyFlatData[float32](ft)
		for j, p := range keep {
			v := voxels[j]
			coords = append(coords, int32(i), v[0], v[1], v[2])
			feats = append(feats, pointFeats[p])
		}
	}
	m := len(feats)
	return CloudBatch{
		Coords: tensors.FromFlatDataAndDimensions(coords, m, 4),
		Feats:  tensors.FromFlatDataAndDimensions(feats, m, 1),
	}, nil
}

// quantize floors each point of a flat [N, 3] cloud to voxels of the given
// edge and keeps the first point of every voxel. It returns the kept voxels and
// the index of the point each one came from, in point order.
func quantize(coords []float32, voxel float64) (voxels [][3]int32, keep []int) {
	seen := make(map[[3]int32]struct{}, len(coords)/3)
	for p := range len(coords) / 3 {
		var v [3]int32
		for axis := range 3 {
			v[axis] = int32(math.Floor(float64(coords[3*p+axis]) / voxel))
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		voxels = append(voxels, v)
		keep = append(keep, p)
	}
	return voxels, keep
}
