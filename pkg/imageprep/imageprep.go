package imageprep

// Package imageprep converts a camera or gallery image into the normalized tensor
// that the feature extraction model consumes.
// The order of operations is fixed: rotate upright, center-crop to a square,
// resize to the model input size, and normalize to [0,1].

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"os"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/captioner/pkg/nn"
)

// Normalization applied to every channel: (v - Mean) / Std
const InputMean = 0
const InputStd = 255

// Load a JPEG or PNG file, and convert it to 24-bit RGB
func Load(filename string) (*cimg.Image, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode a JPEG or PNG image, and convert it to 24-bit RGB
func Decode(raw []byte) (*cimg.Image, error) {
	if len(raw) >= 2 && raw[0] == 0xff && raw[1] == 0xd8 {
		img, err := cimg.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("Failed to decode JPEG: %w", err)
		}
		if img.NChan() == 3 {
			return img, nil
		}
		return img.ToRGB(), nil
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("Failed to decode image: %w", err)
	}
	return FromImage(src), nil
}

// FromImage copies a Go image into a 24-bit RGB cimg.Image
func FromImage(src image.Image) *cimg.Image {
	b := src.Bounds()
	dst := cimg.NewImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB)
	for y := 0; y < b.Dy(); y++ {
		line := dst.Pixels[y*dst.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			line[x*3] = uint8(r >> 8)
			line[x*3+1] = uint8(g >> 8)
			line[x*3+2] = uint8(bl >> 8)
		}
	}
	return dst
}

// EncodeJPEG compresses an RGB image for archiving
func EncodeJPEG(img *cimg.Image) ([]byte, error) {
	return cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
}

// Prepare produces a [1,3,H,W] (NCHW) or [1,H,W,3] (NHWC) float32 tensor.
// The image is first rotated clockwise by rotationDegrees, which must be a multiple of 90.
func Prepare(img *cimg.Image, rotationDegrees, width, height int, layout nn.Layout) (nn.Tensor, error) {
	if img.NChan() != 3 {
		return nn.Tensor{}, fmt.Errorf("Expected an RGB image, but image has %v channels", img.NChan())
	}
	if width <= 0 || height <= 0 {
		return nn.Tensor{}, fmt.Errorf("Invalid model input size %vx%v", width, height)
	}
	upright, err := Rotate(img, rotationDegrees)
	if err != nil {
		return nn.Tensor{}, err
	}
	square := CenterCropSquare(upright)
	resized := square
	if square.Width != width || square.Height != height {
		resized = cimg.ResizeNew(square, width, height, nil)
	}
	return Normalize(resized, layout), nil
}

// Rotate by a multiple of 90 degrees, clockwise.
// Returns img itself if degrees is a multiple of 360.
func Rotate(img *cimg.Image, degrees int) (*cimg.Image, error) {
	if degrees%90 != 0 {
		return nil, fmt.Errorf("Rotation must be a multiple of 90 degrees (got %v)", degrees)
	}
	quarterTurns := ((degrees/90)%4 + 4) % 4
	if quarterTurns == 0 {
		return img, nil
	}
	nc := img.NChan()
	dstW, dstH := img.Width, img.Height
	if quarterTurns != 2 {
		dstW, dstH = img.Height, img.Width
	}
	dst := cimg.NewImage(dstW, dstH, img.Format)
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		for x := 0; x < img.Width; x++ {
			var dx, dy int
			switch quarterTurns {
			case 1:
				dx, dy = img.Height-1-y, x
			case 2:
				dx, dy = img.Width-1-x, img.Height-1-y
			case 3:
				dx, dy = y, img.Width-1-x
			}
			copy(dst.Pixels[dy*dst.Stride+dx*nc:dy*dst.Stride+dx*nc+nc], src[x*nc:x*nc+nc])
		}
	}
	return dst, nil
}

// CenterCropSquare crops the largest centered square out of img
func CenterCropSquare(img *cimg.Image) *cimg.Image {
	size := min(img.Width, img.Height)
	if img.Width == size && img.Height == size {
		return img
	}
	x1 := (img.Width - size) / 2
	y1 := (img.Height - size) / 2
	nc := img.NChan()
	dst := cimg.NewImage(size, size, img.Format)
	for y := 0; y < size; y++ {
		srcOffset := (y1+y)*img.Stride + x1*nc
		copy(dst.Pixels[y*dst.Stride:y*dst.Stride+size*nc], img.Pixels[srcOffset:srcOffset+size*nc])
	}
	return dst
}

// Normalize converts 8-bit RGB to float32 in [0,1], with a batch dimension of 1
func Normalize(img *cimg.Image, layout nn.Layout) nn.Tensor {
	w, h, nc := img.Width, img.Height, img.NChan()
	data := make([]float32, w*h*nc)
	planeSize := w * h
	for y := 0; y < h; y++ {
		line := img.Pixels[y*img.Stride:]
		for x := 0; x < w; x++ {
			for c := 0; c < nc; c++ {
				v := (float32(line[x*nc+c]) - InputMean) / InputStd
				if layout == nn.LayoutNHWC {
					data[(y*w+x)*nc+c] = v
				} else {
					data[c*planeSize+y*w+x] = v
				}
			}
		}
	}
	if layout == nn.LayoutNHWC {
		return nn.NewFloat32Tensor([]int64{1, int64(h), int64(w), int64(nc)}, data)
	}
	return nn.NewFloat32Tensor([]int64{1, int64(nc), int64(h), int64(w)}, data)
}
