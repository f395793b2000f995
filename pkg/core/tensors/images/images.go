// Package images converts images (video frames) to tensors and back.
package images

import (
	"image"
	"image/color"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ToTensorConfig holds the configuration returned by ToTensor. Once configured, use Single or Batch
// to actually convert.
type ToTensorConfig struct {
	channels int
	maxValue float64
	dtype    dtypes.DType
}

// ToTensor returns a configuration to convert images to tensors of the given dtype.
//
// Channel values are scaled to [0, 1] for float dtypes and to [0, 255] for integer dtypes.
// The alpha channel is dropped by default.
func ToTensor(dtype dtypes.DType) *ToTensorConfig {
	tt := &ToTensorConfig{channels: 3, maxValue: 1.0, dtype: dtype}
	if !dtype.IsFloat() {
		tt.maxValue = 255.0
	}
	return tt
}

// WithAlpha includes the alpha channel, so the converted tensor has 4 channels.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// MaxValue sets the value of a saturated channel.
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Single converts img to a tensor shaped `[height, width, channels]`.
func (tt *ToTensorConfig) Single(img image.Image) (*tensors.Tensor, error) {
	t, err := tt.convert([]image.Image{img})
	if err != nil {
		return nil, err
	}
	return t.Reshape(t.Dimensions()[1:]...)
}

// Batch converts images to a tensor shaped `[len(images), height, width, channels]`.
// All images must have the same size.
func (tt *ToTensorConfig) Batch(images []image.Image) (*tensors.Tensor, error) {
	return tt.convert(images)
}

func (tt *ToTensorConfig) convert(images []image.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("images.ToTensor: no images given")
	}
	imgSize := images[0].Bounds().Size()
	flat := make([]float64, 0, len(images)*imgSize.Y*imgSize.X*tt.channels)
	for imgIdx, img := range images {
		bounds := img.Bounds()
		if !bounds.Size().Eq(imgSize) {
			return nil, errors.Errorf("image[%d] has size %s, but image[0] has size %s: they must all be the same",
				imgIdx, bounds.Size(), imgSize)
		}
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				// RGBA returns 16 bits values packed in uint32.
				r, g, b, a := img.At(x, y).RGBA()
				channels := [4]uint32{r, g, b, a}
				for _, channel := range channels[:tt.channels] {
					flat = append(flat, float64(channel)*tt.maxValue/float64(0xFFFF))
				}
			}
		}
	}
	t := tensors.FromFlatDataAndDimensions(flat, len(images), imgSize.Y, imgSize.X, tt.channels)
	if tt.dtype.IsInt() {
		// Round instead of truncating.
		if err := tensors.MutableFlatData(t, func(values []float64) {
			for ii, v := range values {
				values[ii] = float64(int64(v + 0.5))
			}
		}); err != nil {
			return nil, err
		}
	}
	return t.ConvertTo(tt.dtype), nil
}

// ToImage converts a tensor shaped `[height, width, channels]` (3 or 4 channels) back to an image,
// using maxValue as the saturated channel value.
func ToImage(t *tensors.Tensor, maxValue float64) (*image.NRGBA, error) {
	if t.Rank() != 3 || (t.Dimensions()[2] != 3 && t.Dimensions()[2] != 4) {
		return nil, errors.Errorf("images.ToImage requires a tensor shaped [height, width, 3 or 4], got %s", t.Shape())
	}
	dims := t.Dimensions()
	height, width, channels := dims[0], dims[1], dims[2]
	values, err := tensors.CopyFlatData[float64](t.ConvertTo(dtypes.Float64))
	if err != nil {
		return nil, err
	}
	toUint8 := func(v float64) uint8 {
		v = v * 255 / maxValue
		switch {
		case v <= 0:
			return 0
		case v >= 255:
			return 255
		default:
			return uint8(v + 0.5)
		}
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	pos := 0
	for y := range height {
		for x := range width {
			pixel := color.NRGBA{A: 255}
			pixel.R, pixel.G, pixel.B = toUint8(values[pos]), toUint8(values[pos+1]), toUint8(values[pos+2])
			if channels == 4 {
				pixel.A = toUint8(values[pos+3])
			}
			img.SetNRGBA(x, y, pixel)
			pos += channels
		}
	}
	return img, nil
}
