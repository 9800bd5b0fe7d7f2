// Package yolo converts between images and YOLOv8 detection tensors.
package yolo

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/nfnt/resize"
)

// PadColor fills the letterbox border, matching the ultralytics default.
var PadColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// Geometry maps model input coordinates back to the source frame.
type Geometry struct {
	Scale      float64
	PadX, PadY int
	SrcW, SrcH int
}

// ToSource maps a point in model input space to source pixels.
func (g Geometry) ToSource(x, y float64) (float64, float64) {
	return (x - float64(g.PadX)) / g.Scale, (y - float64(g.PadY)) / g.Scale
}

// Letterbox resizes img to fit a size×size square keeping its aspect ratio,
// pads the rest with PadColor and returns the CHW float32 tensor in [0, 1].
func Letterbox(img image.Image, size int) ([]float32, Geometry) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	g := Geometry{
		Scale: scale,
		PadX:  (size - nw) / 2,
		PadY:  (size - nh) / 2,
		SrcW:  w,
		SrcH:  h,
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: PadColor}, image.Point{}, draw.Src)
	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	dst := image.Rect(g.PadX, g.PadY, g.PadX+nw, g.PadY+nh)
	draw.Draw(canvas, dst, resized, resized.Bounds().Min, draw.Src)

	return CHW(canvas), g
}

// CHW flattens an RGBA image into planar R, G, B float32 channels scaled to [0, 1].
func CHW(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	i := 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+3]
			out[i] = float32(p[0]) / 255
			out[plane+i] = float32(p[1]) / 255
			out[2*plane+i] = float32(p[2]) / 255
			i++
		}
	}
	return out
}
