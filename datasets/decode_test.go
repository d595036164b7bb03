package datasets

import (
	"bytes"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/placeset/storage"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageDecoder(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "img", "1.png"), 6, 4, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(root, "img", "broken.png"), []byte("not a png"), 0o644))
	store := storage.NewLocalStore(root)

	dec := &ImageDecoder{Modality: "image", Store: store}
	payload, err := dec.Decode("img/1.png")
	require.NoError(t, err)
	img := payload[""]
	require.NotNil(t, img)
	assert.Equal(t, []int{3, 4, 6}, img.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](img)
	assert.InDelta(t, 1.0, flat[0], 1e-6)    // red plane
	assert.InDelta(t, 0.0, flat[24], 1e-6)   // green plane
	assert.InDelta(t, 0.2, flat[2*24], 1e-6) // blue plane
	assert.InDelta(t, 0.2, flat[3*24-1], 1e-6)

	resized := &ImageDecoder{Modality: "image", Store: store, Width: DefaultImageWidth, Height: DefaultImageHeight}
	payload, err = resized.Decode("img/1.png")
	require.NoError(t, err)
	assert.Equal(t, []int{3, DefaultImageHeight, DefaultImageWidth}, payload[""].Shape().Dimensions)

	for _, ref := range []string{"img/missing.png", "img/broken.png"} {
		payload, err = dec.Decode(ref)
		assert.Nil(t, payload)
		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr), "ref %s: %v", ref, err)
		assert.Equal(t, "image", decErr.Modality)
		assert.Equal(t, ref, decErr.Ref)
		assert.Equal(t, -1, decErr.Idx)
	}
	_, err = dec.Decode("img/missing.png")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestPointCloudDecoder(t *testing.T) {
	store := storage.NewMemoryStore()
	raw := encodeCloud(testCloud)
	store.Put("lidar/1.bin", raw)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	store.Put("lidar/1.bin.zst", enc.EncodeAll(raw, nil))
	require.NoError(t, enc.Close())
	store.Put("lidar/short.bin", raw[:len(raw)-3])

	dec := &PointCloudDecoder{Modality: "lidar", Store: store, Options: DefaultPointCloudOptions()}
	payload, err := dec.Decode("lidar/1.bin")
	require.NoError(t, err)
	coords, feats := payload[CoordsSuffix], payload[FeatsSuffix]
	require.NotNil(t, coords)
	require.NotNil(t, feats)
	// The point at x=150 is cropped.
	assert.Equal(t, []int{3, 3}, coords.Shape().Dimensions)
	assert.Equal(t, []int{3, 1}, feats.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 1.1, 2.1, 3.1, -5, 0, 0}, tensors.MustCopyFlatData[float32](coords))
	assert.Equal(t, []float32{1, 1, 1}, tensors.MustCopyFlatData[float32](feats))

	compressed, err := dec.Decode("lidar/1.bin.zst")
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](coords), tensors.MustCopyFlatData[float32](compressed[CoordsSuffix]))

	near := &PointCloudDecoder{Modality: "lidar", Store: store, Options: PointCloudOptions{
		PointStride: 4, CoordLimit: 100, MaxDistance: 5, UseIntensity: true,
	}}
	payload, err = near.Decode("lidar/1.bin")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, tensors.MustCopyFlatData[float32](payload[FeatsSuffix]))

	payload, err = dec.Decode("lidar/short.bin")
	assert.Nil(t, payload)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "lidar/short.bin", decErr.Ref)

	bad := &PointCloudDecoder{Modality: "lidar", Store: store, Options: PointCloudOptions{PointStride: 2}}
	_, err = bad.Decode("lidar/1.bin")
	assert.Error(t, err)
}

func TestDecodersAreStateless(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("c.bin", encodeCloud(testCloud))
	dec := &PointCloudDecoder{Modality: "lidar", Store: store, Options: DefaultPointCloudOptions()}
	a, err := dec.Decode("c.bin")
	require.NoError(t, err)
	b, err := dec.Decode("c.bin")
	require.NoError(t, err)
	assert.NotSame(t, a[CoordsSuffix], b[CoordsSuffix])
	assert.True(t, bytes.Equal(encodeCloud(testCloud), mustRead(t, store, "c.bin")))
}

func mustRead(t *testing.T, store storage.Store, key string) []byte {
	t.Helper()
	data, err := store.ReadFile(key)
	require.NoError(t, err)
	return data
}
