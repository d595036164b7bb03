package datasets

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Noofbiz/placeset/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceRecognitionDataset_MissingModality(t *testing.T) {
	root := newScenarioRoot(t)
	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, []string{"image", "pointcloud"})
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	assert.Equal(t, []string{"image", "pointcloud"}, ds.DataToLoad())

	for k := range 2 {
		s, err := ds.Get(k)
		require.NoError(t, err)
		assert.Equal(t, k, s.Idx)
		assert.Equal(t, Position{Easting: float64(10 * k)}, s.UTM)
		assert.Equal(t, []string{"image", "pointcloud_coords", "pointcloud_feats"}, s.Keys())
		assert.Equal(t, []int{3, 4, 8}, s.Data["image"].Shape().Dimensions)
		assert.Equal(t, []int{3, 3}, s.Data["pointcloud_coords"].Shape().Dimensions)
		assert.Equal(t, []int{3, 1}, s.Data["pointcloud_feats"].Shape().Dimensions)
	}

	s, err := ds.Get(2)
	require.NoError(t, err, "a modality missing for an entry is not an error")
	assert.Equal(t, 2, s.Idx)
	assert.Equal(t, Position{Easting: 20}, s.UTM)
	assert.Equal(t, []string{"image"}, s.Keys())
	assert.False(t, s.Has("pointcloud_coords"))
	assert.False(t, s.Has("pointcloud_feats"))
}

func TestPlaceRecognitionDataset_ConstructionErrors(t *testing.T) {
	root := newScenarioRoot(t)

	ds, err := NewPlaceRecognitionDataset(root, "bogus", []string{"image"})
	assert.Nil(t, ds)
	var subsetErr *UnknownSubsetError
	require.True(t, errors.As(err, &subsetErr), "got %v", err)
	assert.Equal(t, root, subsetErr.Root)
	assert.Contains(t, err.Error(), "bogus")

	ds, err = NewPlaceRecognitionDataset(root, SubsetTrain, []string{"lidar_radar_fusion"})
	assert.Nil(t, ds)
	var modalityErr *UnknownModalityError
	require.True(t, errors.As(err, &modalityErr), "got %v", err)
	assert.Equal(t, "lidar_radar_fusion", modalityErr.Modality)
	assert.Contains(t, err.Error(), root)

	ds, err = NewPlaceRecognitionDataset(filepath.Join(root, "missing"), SubsetTrain, []string{"image"})
	assert.Nil(t, ds)
	var catErr *CatalogError
	assert.True(t, errors.As(err, &catErr), "got %v", err)

	_, err = NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithThresholds(-1, 5))
	assert.Error(t, err)
	_, err = NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithThresholds(20, 5))
	assert.Error(t, err)
	_, err = NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithImageSize(320, 0))
	assert.Error(t, err)

	other, err := BuildIndex(newScenarioRoot(t), nil)
	require.NoError(t, err)
	_, err = NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithIndex(other))
	assert.Error(t, err, "index of another root")
}

func TestPlaceRecognitionDataset_IndexRange(t *testing.T) {
	ds, err := NewPlaceRecognitionDataset(newScenarioRoot(t), SubsetTrain, []string{"image"})
	require.NoError(t, err)
	for _, k := range []int{-1, ds.Len()} {
		s, err := ds.Get(k)
		assert.Nil(t, s)
		var rangeErr *IndexRangeError
		require.True(t, errors.As(err, &rangeErr), "k=%d: %v", k, err)
		assert.Equal(t, k, rangeErr.Index)
		assert.Equal(t, SubsetTrain, rangeErr.Subset)
	}
}

func TestPlaceRecognitionDataset_SubsetsShareIndex(t *testing.T) {
	root, idx := buildSessions(t, 6, 4)
	policy := HashSplit{ValPercent: 30, TestPercent: 30}
	seen := map[int]string{}
	total := 0
	for _, name := range Subsets {
		ds, err := NewPlaceRecognitionDataset(root, name, nil, WithIndex(idx), WithSplitPolicy(policy))
		require.NoError(t, err)
		want, err := SelectSubset(idx, policy, name)
		require.NoError(t, err)
		require.Equal(t, want.Len(), ds.Len())
		total += ds.Len()

		prev := -1
		for k := range ds.Len() {
			s, err := ds.Get(k)
			require.NoError(t, err)
			assert.Greater(t, s.Idx, prev, "subset order is ascending global index")
			prev = s.Idx
			if other, dup := seen[s.Idx]; dup {
				t.Fatalf("idx %d in both %s and %s", s.Idx, other, name)
			}
			seen[s.Idx] = name
			g, err := ds.GlobalIndex(k)
			require.NoError(t, err)
			assert.Equal(t, s.Idx, g)
		}
	}
	assert.Equal(t, idx.Len(), total)
}

func TestPlaceRecognitionDataset_IdempotentAndConcurrent(t *testing.T) {
	root := newScenarioRoot(t)
	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, []string{"image", "pointcloud"},
		WithStore(storage.NewCachingStore(storage.NewLocalStore(root), 16, 0)))
	require.NoError(t, err)

	first := make([]*Sample, ds.Len())
	for k := range ds.Len() {
		first[k], err = ds.Get(k)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8*ds.Len())
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range ds.Len() {
				s, err := ds.Get(k)
				if err != nil {
					errs <- err
					continue
				}
				if s.Idx != first[k].Idx || s.UTM != first[k].UTM {
					errs <- errors.New("sample changed between calls")
				}
				for key, tensor := range first[k].Data {
					if !s.Has(key) || !assert.ObjectsAreEqual(tensor.Shape().Dimensions, s.Data[key].Shape().Dimensions) {
						errs <- errors.New("payload shape changed for " + key)
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPlaceRecognitionDataset_DecodeError(t *testing.T) {
	root := newScenarioRoot(t)
	require.NoError(t, os.Remove(filepath.Join(root, "s1", "pointcloud", "1001.bin")))
	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, []string{"pointcloud"})
	require.NoError(t, err)

	_, err = ds.Get(0)
	require.NoError(t, err)
	s, err := ds.Get(1)
	assert.Nil(t, s)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr), "got %v", err)
	assert.Equal(t, "pointcloud", decErr.Modality)
	assert.Equal(t, 1, decErr.Idx)
	assert.Equal(t, "s1/pointcloud/1001.bin", decErr.Ref)
	assert.Contains(t, err.Error(), "idx=1")
}

type constDecoder struct{ calls int }

func (d *constDecoder) Decode(ref string) (Payload, error) {
	d.calls++
	return nil, errors.New("always fails")
}

func TestPlaceRecognitionDataset_CustomDecoder(t *testing.T) {
	root := newScenarioRoot(t)
	dec := &constDecoder{}
	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, []string{"image"}, WithDecoder("image", dec))
	require.NoError(t, err)
	_, err = ds.Get(0)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, 0, decErr.Idx)
	assert.Equal(t, "s1/image/1000.png", decErr.Ref)
	assert.Equal(t, 1, dec.calls)
}

func TestPlaceRecognitionDataset_Positives(t *testing.T) {
	root := newScenarioRoot(t)
	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithThresholds(11, 15))
	require.NoError(t, err)

	assert.Equal(t, []int{1}, ds.Positives(0))
	assert.Equal(t, []int{0, 2}, ds.Positives(1))
	assert.Equal(t, []int{1}, ds.Positives(2))
	assert.Equal(t, []int{0, 1}, ds.NonNegatives(0))
	assert.Equal(t, []int{0, 1, 2}, ds.NonNegatives(1))
	assert.Nil(t, ds.Positives(3))

	// Symmetric, and never the sample itself.
	for k := range ds.Len() {
		for _, p := range ds.Positives(k) {
			assert.NotEqual(t, k, p)
			assert.Contains(t, ds.Positives(p), k)
		}
	}

	// With the default 10 m threshold, entries exactly 10 m apart are not positives.
	ds, err = NewPlaceRecognitionDataset(root, SubsetTrain, nil)
	require.NoError(t, err)
	assert.Empty(t, ds.Positives(0))
	assert.Equal(t, []int{0, 1, 2}, ds.NonNegatives(0))
}
