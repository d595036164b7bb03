package datasets

import (
	"bytes"
	"encoding/binary"
	"image"
	"math"

	// Image formats accepted by ImageDecoder.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Noofbiz/placeset/storage"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Payload is the decoded data of one modality of one entry, keyed by the suffix
// appended to the modality name in the Sample: "" for images, CoordsSuffix and
// FeatsSuffix for point clouds.
type Payload map[string]*tensors.Tensor

// Decoder converts the artifact stored under ref into a Payload.
//
// Implementations must be safe for concurrent use and must not keep state
// between calls. On failure they return a nil Payload and a *DecodeError.
type Decoder interface {
	Decode(ref string) (Payload, error)
}

// Default size camera frames are resized to by the configuration.
const (
	DefaultImageWidth  = 320
	DefaultImageHeight = 192
)

// ImageDecoder decodes camera frames into [3, H, W] float32 tensors with
// values in [0, 1]. Alpha is dropped.
type ImageDecoder struct {
	Modality string
	Store    storage.Store

	// Width and Height, if both positive, resize every frame. Zero keeps the
	// stored size.
	Width, Height int
}

// Decode implements Decoder.
func (d *ImageDecoder) Decode(ref string) (Payload, error) {
	fail := func(err error) (Payload, error) {
		return nil, &DecodeError{Modality: d.Modality, Ref: ref, Idx: -1, Err: err}
	}
	data, err := storage.ReadDecompressed(d.Store, ref)
	if err != nil {
		return fail(err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fail(errors.Wrap(err, "corrupt image"))
	}
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return fail(errors.Errorf("empty %s image", format))
	}

	var nrgba *image.NRGBA
	if d.Width > 0 && d.Height > 0 && (size.X != d.Width || size.Y != d.Height) {
		nrgba = imaging.Resize(img, d.Width, d.Height, imaging.Linear)
	} else {
		nrgba = imaging.Clone(img)
	}
	return Payload{"": nrgbaToCHW(nrgba)}, nil
}

// nrgbaToCHW lays the image out channel first, scaling to [0, 1].
func nrgbaToCHW(img *image.NRGBA) *tensors.Tensor {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	flat := make([]float32, 3*plane)
	for y := range h {
		row := img.Pix[y*img.Stride : y*img.Stride+4*w]
		for x := range w {
			px := row[4*x : 4*x+4]
			i := y*w + x
			flat[i] = float32(px[0]) / 255
			flat[plane+i] = float32(px[1]) / 255
			flat[2*plane+i] = float32(px[2]) / 255
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, 3, h, w)
}

// Point cloud defaults, matching the recorded lidar format: x, y, z, intensity
// as little-endian float32, cropped to a 200 m square around the sensor.
const (
	DefaultPointStride = 4
	DefaultCoordLimit  = 100.0
)

// PointCloudOptions configures PointCloudDecoder.
type PointCloudOptions struct {
	// PointStride is the number of float32 values per point; the first three
	// are x, y, z.
	PointStride int

	// CoordLimit drops points with any coordinate outside [-CoordLimit, CoordLimit].
	// Zero disables the crop.
	CoordLimit float64

	// MaxDistance, if positive, drops points at or beyond that distance from
	// the sensor.
	MaxDistance float64

	// UseIntensity uses the 4th value of each point as its feature instead
	// of a constant 1.
	UseIntensity bool
}

// DefaultPointCloudOptions returns the options of the recorded lidar format.
func DefaultPointCloudOptions() PointCloudOptions {
	return PointCloudOptions{PointStride: DefaultPointStride, CoordLimit: DefaultCoordLimit}
}

// Validate checks the options.
func (o PointCloudOptions) Validate() error {
	if o.PointStride < 3 {
		return errors.Errorf("point stride must be at least 3 (x, y, z), got %d", o.PointStride)
	}
	if o.UseIntensity && o.PointStride < 4 {
		return errors.Errorf("intensity features need a point stride of at least 4, got %d", o.PointStride)
	}
	if o.CoordLimit < 0 || o.MaxDistance < 0 {
		return errors.Errorf("coordinate limit (%g) and max distance (%g) must be non-negative", o.CoordLimit, o.MaxDistance)
	}
	return nil
}

// PointCloudDecoder decodes raw float32 point records into a "_coords" [N, 3]
// and a "_feats" [N, 1] float32 tensor.
type PointCloudDecoder struct {
	Modality string
	Store    storage.Store
	Options  PointCloudOptions
}

// Decode implements Decoder.
func (d *PointCloudDecoder) Decode(ref string) (Payload, error) {
	fail := func(err error) (Payload, error) {
		return nil, &DecodeError{Modality: d.Modality, Ref: ref, Idx: -1, Err: err}
	}
	opts := d.Options
	if err := opts.Validate(); err != nil {
		return fail(err)
	}
	data, err := storage.ReadDecompressed(d.Store, ref)
	if err != nil {
		return fail(err)
	}
	recordSize := 4 * opts.PointStride
	if len(data)%recordSize != 0 {
		return fail(errors.Errorf("%d bytes is not a whole number of %d-value float32 points", len(data), opts.PointStride))
	}

	numPoints := len(data) / recordSize
	coords := make([]float32, 0, 3*numPoints)
	feats := make([]float32, 0, numPoints)
	maxDist2 := opts.MaxDistance * opts.MaxDistance
	values := make([]float32, opts.PointStride)
	for p := range numPoints {
		record := data[p*recordSize : (p+1)*recordSize]
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(record[4*i:]))
		}
		x, y, z := float64(values[0]), float64(values[1]), float64(values[2])
		if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
			continue
		}
		if opts.CoordLimit > 0 && (math.Abs(x) > opts.CoordLimit || math.Abs(y) > opts.CoordLimit || math.Abs(z) > opts.CoordLimit) {
			continue
		}
		if opts.MaxDistance > 0 && x*x+y*y+z*z >= maxDist2 {
			continue
		}
		coords = append(coords, values[0], values[1], values[2])
		if opts.UseIntensity {
			feats = append(feats, values[3])
		} else {
			feats = append(feats, 1)
		}
	}

	n := len(feats)
	return Payload{
		CoordsSuffix: tensors.FromFlatDataAndDimensions(coords, n, 3),
		FeatsSuffix:  tensors.FromFlatDataAndDimensions(feats, n, 1),
	}, nil
}

// newDecoder returns the built-in decoder for the kind of m.
func newDecoder(m Modality, store storage.Store, width, height int, cloud PointCloudOptions) (Decoder, error) {
	switch m.Kind {
	case KindImage:
		return &ImageDecoder{Modality: m.Name, Store: store, Width: width, Height: height}, nil
	case KindPointCloud:
		return &PointCloudDecoder{Modality: m.Name, Store: store, Options: cloud}, nil
	default:
		return nil, errors.Errorf("no decoder for modality %q of kind %s", m.Name, m.Kind)
	}
}
