// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datamodules

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// DepthMap is a dense map of depths in meters, row-major. Missing depths are NaN.
type DepthMap struct {
	Width, Height int
	Values        []float32
}

// NewDepthMap creates a depth map filled with value.
func NewDepthMap(width, height int, value float32) *DepthMap {
	d := &DepthMap{Width: width, Height: height, Values: make([]float32, width*height)}
	for ii := range d.Values {
		d.Values[ii] = value
	}
	return d
}

// At returns the depth at column x and row y.
func (d *DepthMap) At(x, y int) float32 { return d.Values[y*d.Width+x] }

// DepthSample is one RGB image and its depth map, with the same dimensions.
type DepthSample struct {
	Image *image.NRGBA
	Depth *DepthMap
}

// Size of the sample.
func (s *DepthSample) Size() Size {
	b := s.Image.Bounds()
	return Size{Height: b.Dy(), Width: b.Dx()}
}

// DepthTransform transforms a sample. Random transforms draw from rng.
type DepthTransform func(s *DepthSample, rng *rand.Rand) *DepthSample

// ComposeDepth applies the transforms in order.
func ComposeDepth(transforms ...DepthTransform) DepthTransform {
	return func(s *DepthSample, rng *rand.Rand) *DepthSample {
		for _, t := range transforms {
			s = t(s, rng)
		}
		return s
	}
}

// resizeDepth resizes with nearest neighbor, so missing depths are not blended with valid ones.
func resizeDepth(d *DepthMap, width, height int) *DepthMap {
	out := &DepthMap{Width: width, Height: height, Values: make([]float32, width*height)}
	for y := range height {
		srcY := min(d.Height-1, int((float64(y)+0.5)*float64(d.Height)/float64(height)))
		for x := range width {
			srcX := min(d.Width-1, int((float64(x)+0.5)*float64(d.Width)/float64(width)))
			out.Values[y*width+x] = d.At(srcX, srcY)
		}
	}
	return out
}

// ResizeDepth resizes the sample to the given size: bilinear for the image and nearest neighbor for the depth.
func ResizeDepth(size Size) DepthTransform {
	return func(s *DepthSample, _ *rand.Rand) *DepthSample {
		if s.Size() == size {
			return s
		}
		return &DepthSample{
			Image: imaging.Resize(s.Image, size.Width, size.Height, imaging.Linear),
			Depth: resizeDepth(s.Depth, size.Width, size.Height),
		}
	}
}

// RandomRescale scales both sides of the sample by a factor drawn uniformly from [minScale, maxScale].
func RandomRescale(minScale, maxScale float64) DepthTransform {
	return func(s *DepthSample, rng *rand.Rand) *DepthSample {
		scale := minScale + rng.Float64()*(maxScale-minScale)
		size := s.Size()
		size.Height = max(1, int(math.Round(float64(size.Height)*scale)))
		size.Width = max(1, int(math.Round(float64(size.Width)*scale)))
		return ResizeDepth(size)(s, rng)
	}
}

// RandomCrop crops a random window of the given size. Samples smaller than the window are padded first: the image
// with black and the depth with NaN.
func RandomCrop(size Size) DepthTransform {
	return func(s *DepthSample, rng *rand.Rand) *DepthSample {
		s = padDepthSample(s, size)
		current := s.Size()
		top := rng.Intn(current.Height - size.Height + 1)
		left := rng.Intn(current.Width - size.Width + 1)
		rect := image.Rect(left, top, left+size.Width, top+size.Height)
		depth := &DepthMap{Width: size.Width, Height: size.Height, Values: make([]float32, 0, size.Width*size.Height)}
		for y := top; y < top+size.Height; y++ {
			depth.Values = append(depth.Values, s.Depth.Values[y*s.Depth.Width+left:y*s.Depth.Width+left+size.Width]...)
		}
		return &DepthSample{Image: imaging.Crop(s.Image, rect), Depth: depth}
	}
}

func padDepthSample(s *DepthSample, size Size) *DepthSample {
	current := s.Size()
	if current.Height >= size.Height && current.Width >= size.Width {
		return s
	}
	width, height := max(current.Width, size.Width), max(current.Height, size.Height)
	img := imaging.New(width, height, color.NRGBA{A: 255})
	img = imaging.Paste(img, s.Image, image.Pt(0, 0))
	depth := NewDepthMap(width, height, float32(math.NaN()))
	for y := range current.Height {
		copy(depth.Values[y*width:y*width+current.Width], s.Depth.Values[y*current.Width:(y+1)*current.Width])
	}
	return &DepthSample{Image: img, Depth: depth}
}

// RandomHorizontalFlip mirrors the sample with probability 0.5.
func RandomHorizontalFlip() DepthTransform {
	return func(s *DepthSample, rng *rand.Rand) *DepthSample {
		if rng.Intn(2) == 0 {
			return s
		}
		depth := &DepthMap{Width: s.Depth.Width, Height: s.Depth.Height, Values: make([]float32, len(s.Depth.Values))}
		for y := range depth.Height {
			row := y * depth.Width
			for x := range depth.Width {
				depth.Values[row+x] = s.Depth.Values[row+depth.Width-1-x]
			}
		}
		return &DepthSample{Image: imaging.FlipH(s.Image), Depth: depth}
	}
}

// ImageNet per channel mean and standard deviation, used to normalize the RGB images.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// normalizedRGB appends the image pixels scaled to [0, 1] and normalized per channel, in
// [height, width, 3] order.
func normalizedRGB(dst []float32, img *image.NRGBA, mean, std [3]float32) []float32 {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			for ch := range 3 {
				v := float32(row[x*4+ch]) / 255
				dst = append(dst, (v-mean[ch])/std[ch])
			}
		}
	}
	return dst
}
