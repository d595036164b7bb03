package datasets

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndex_OrderAndRefs(t *testing.T) {
	root := t.TempDir()
	// Sessions are numbered in lexicographic order, whatever the creation order.
	writeTrack(t, root, "b_session", "timestamp,northing,easting,lidar_ts,front_cam_ts", []string{
		"20,5,6,20.0,",
		"21,7,8,21,21",
	})
	writeTrack(t, root, "a_session", "Timestamp, Northing ,EASTING,image_ts", []string{
		"10,1,2,10",
		"11,,,11", // no position: skipped
		"12,3,4,",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not_a_session"), 0o755))

	idx, err := BuildIndex(root, nil)
	require.NoError(t, err)
	require.Equal(t, 4, idx.Len())
	assert.Equal(t, []string{"a_session", "b_session"}, idx.Sessions())

	var got []Entry
	for e := range idx.Entries() {
		got = append(got, e)
	}
	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, i, e.Index)
	}
	assert.Equal(t, Position{Easting: 2, Northing: 1}, got[0].UTM)
	assert.Equal(t, int64(10), got[0].Timestamp)
	ref, ok := got[0].Ref("image")
	assert.True(t, ok)
	assert.Equal(t, "a_session/image/10.png", ref)

	// Empty cell: modality omitted, not an empty ref.
	_, ok = got[1].Ref("image")
	assert.False(t, ok)
	assert.Empty(t, got[1].Modalities())

	// "20.0" names the artifact 20.
	ref, ok = got[2].Ref("lidar")
	assert.True(t, ok)
	assert.Equal(t, "b_session/lidar/20.bin", ref)
	assert.Equal(t, []string{"lidar"}, got[2].Modalities())
	assert.Equal(t, []string{"front_cam", "lidar"}, got[3].Modalities())

	e, err := idx.EntryAt(3)
	require.NoError(t, err)
	assert.Equal(t, "b_session", e.Session)
	_, err = idx.EntryAt(4)
	var rangeErr *IndexRangeError
	assert.True(t, errors.As(err, &rangeErr))
}

func TestBuildIndex_Stable(t *testing.T) {
	root := t.TempDir()
	for _, s := range []string{"s3", "s1", "s2"} {
		writeTrack(t, root, s, "northing,easting", []string{"1,1", "2,2"})
	}
	first, err := BuildIndex(root, nil)
	require.NoError(t, err)
	second, err := BuildIndex(root, nil)
	require.NoError(t, err)
	assert.Equal(t, slices.Collect(first.Entries()), slices.Collect(second.Entries()))
}

func TestBuildIndex_SingleTrackRoot(t *testing.T) {
	root := t.TempDir()
	// pandas index column, unnamed.
	writeCSV(t, filepath.Join(root, TrackFile), ",timestamp,northing,easting,image_ts", []string{
		"0,5,1,2,5",
	})
	idx, err := BuildIndex(root, nil)
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())
	e, err := idx.EntryAt(0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), e.Session)
	ref, _ := e.Ref("image")
	assert.Equal(t, "image/5.png", ref)
}

func TestBuildIndex_RelativeRootSplitsLikeAbsolute(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "track00")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeCSV(t, filepath.Join(dir, TrackFile), "timestamp,northing,easting", []string{
		"1,0,0", "2,0,5", "3,0,10",
	})
	abs, err := BuildIndex(dir, nil)
	require.NoError(t, err)
	t.Chdir(dir)
	rel, err := BuildIndex(".", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"track00"}, abs.Sessions())
	assert.Equal(t, abs.Sessions(), rel.Sessions())
	policy := HashSplit{ValPercent: 45, TestPercent: 45}
	for _, name := range Subsets {
		a, err := SelectSubset(abs, policy, name)
		require.NoError(t, err)
		r, err := SelectSubset(rel, policy, name)
		require.NoError(t, err)
		assert.Equal(t, a.Indices(), r.Indices(), name)
	}
}

func TestBuildIndex_Pose(t *testing.T) {
	root := t.TempDir()
	writeTrack(t, root, "s", ",timestamp,northing,easting,tx,ty,tz,qx,qy,qz,qw", []string{
		"0,1,10,20,20,10,0.5,0,0,0.7071,0.7071",
		"1,2,11,21,,,,,,,",
	})
	writeTrack(t, root, "t", "timestamp,northing,easting", []string{"3,0,0"})
	idx, err := BuildIndex(root, nil)
	require.NoError(t, err)

	e, err := idx.EntryAt(0)
	require.NoError(t, err)
	pose, ok := e.Pose()
	require.True(t, ok)
	assert.Equal(t, [7]float64{20, 10, 0.5, 0, 0, 0.7071, 0.7071}, pose.Vec())
	for _, i := range []int{1, 2} {
		e, err := idx.EntryAt(i)
		require.NoError(t, err)
		_, ok := e.Pose()
		assert.False(t, ok, "entry %d", i)
	}

	ds, err := NewPlaceRecognitionDataset(root, SubsetTrain, nil, WithSplitPolicy(HashSplit{}))
	require.NoError(t, err)
	s, err := ds.Get(0)
	require.NoError(t, err)
	require.NotNil(t, s.Pose)
	assert.Equal(t, pose, *s.Pose)
	s, err = ds.Get(1)
	require.NoError(t, err)
	assert.Nil(t, s.Pose)

	_, err = ds.Batch([]int{0, 1})
	assert.ErrorContains(t, err, "pose")
}

func TestBuildIndex_CatalogErrors(t *testing.T) {
	cases := map[string]struct {
		setup func(t *testing.T, root string)
		row   int
	}{
		"no sessions": {setup: func(t *testing.T, root string) {}},
		"missing easting column": {setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "timestamp,northing", []string{"1,2"})
		}},
		"non-numeric northing": {row: 2, setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "northing,easting", []string{"1,2", "north,2"})
		}},
		"NaN easting": {row: 1, setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "northing,easting", []string{"1,NaN"})
		}},
		"one coordinate": {row: 1, setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "northing,easting", []string{"1,"})
		}},
		"partial pose": {row: 2, setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "northing,easting,tx,ty,tz,qx,qy,qz,qw", []string{"1,2,1,2,0,0,0,0,1", "1,2,1,2,,0,0,0,1"})
		}},
		"only empty positions": {setup: func(t *testing.T, root string) {
			writeTrack(t, root, "s", "northing,easting", []string{","})
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			tc.setup(t, root)
			idx, err := BuildIndex(root, nil)
			require.Error(t, err)
			assert.Nil(t, idx)
			var catErr *CatalogError
			require.True(t, errors.As(err, &catErr), "got %T: %v", err, err)
			assert.Equal(t, root, catErr.Root)
			assert.Equal(t, tc.row, catErr.Row)
			assert.Contains(t, err.Error(), root)
		})
	}

	t.Run("missing root", func(t *testing.T) {
		_, err := BuildIndex(filepath.Join(t.TempDir(), "nope"), nil)
		var catErr *CatalogError
		require.True(t, errors.As(err, &catErr))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	m, ok := r.Lookup("lidar")
	require.True(t, ok)
	assert.Equal(t, KindPointCloud, m.Kind)
	assert.Equal(t, []string{"lidar_coords", "lidar_feats"}, m.Keys())
	assert.Equal(t, []string{"back_cam", "front_cam", "image", "lidar", "pointcloud"}, r.Names())

	_, err := NewRegistry(Modality{Name: "a", Column: "a_ts"}, Modality{Name: "a", Column: "b_ts"})
	assert.Error(t, err)
	_, err = NewRegistry(Modality{Name: "a"})
	assert.Error(t, err)

	radar := Modality{Name: "radar", Kind: KindPointCloud, Column: "radar_ts", Dir: "radar", Ext: ".bin.zst"}
	custom, err := NewRegistry(append(slices.Clone(DefaultModalities), radar)...)
	require.NoError(t, err)
	root := t.TempDir()
	writeTrack(t, root, "s", "northing,easting,radar_ts", []string{"1,1,7"})
	idx, err := BuildIndex(root, custom)
	require.NoError(t, err)
	e, _ := idx.EntryAt(0)
	ref, ok := e.Ref("radar")
	require.True(t, ok)
	assert.Equal(t, "s/radar/7.bin.zst", ref)
}
