package datasets

import (
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(header + "\n")
	require.NoError(t, err)
	for _, r := range rows {
		_, err = f.WriteString(r + "\n")
		require.NoError(t, err)
	}
}

// writeTrack writes <root>/<session>/track.csv.
func writeTrack(t *testing.T, root, session, header string, rows []string) {
	t.Helper()
	writeCSV(t, filepath.Join(root, session, TrackFile), header, rows)
}

// writePNG writes a width x height PNG filled with c.
func writePNG(t *testing.T, path string, width, height int, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// encodeCloud lays out points as little-endian float32 records.
func encodeCloud(points [][4]float32) []byte {
	data := make([]byte, 0, 16*len(points))
	for _, p := range points {
		for _, v := range p {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
	}
	return data
}

// writeCloud writes points in the raw lidar format.
func writeCloud(t *testing.T, path string, points [][4]float32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, encodeCloud(points), 0o644))
}

// writeSplits writes the splits.json of root.
func writeSplits(t *testing.T, root string, train, val, test []string) {
	t.Helper()
	data, err := json.Marshal(map[string][]string{"train": train, "val": val, "test": test})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, SplitsFile), data, 0o644))
}

var testCloud = [][4]float32{
	{1, 2, 3, 0.5},
	{1.1, 2.1, 3.1, 0.25},
	{-5, 0, 0, 1},
	{150, 0, 0, 1}, // outside the default crop
}

// newScenarioRoot builds a root with one session "s1" of three entries at
// easting 0, 10 and 20 m. All have an image; the last one has no point cloud.
func newScenarioRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTrack(t, root, "s1", "timestamp,northing,easting,image_ts,pointcloud_ts", []string{
		"1000,0,0,1000,1000",
		"1001,0,10,1001,1001",
		"1002,0,20,1002,",
	})
	for _, ts := range []string{"1000", "1001", "1002"} {
		writePNG(t, filepath.Join(root, "s1", "image", ts+".png"), 8, 4, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	}
	for _, ts := range []string{"1000", "1001"} {
		writeCloud(t, filepath.Join(root, "s1", "pointcloud", ts+".bin"), testCloud)
	}
	writeSplits(t, root, []string{"s1"}, nil, nil)
	return root
}
