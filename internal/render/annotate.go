// Package render draws detection overlays onto frames.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/ppe-detection-app/internal/detect"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Annotator draws boxes and "<class> <conf>" labels. The zero value is
// ready to use and scales line width and font size with the frame.
type Annotator struct {
	// LineWidth overrides the automatic line width when > 0.
	LineWidth float64
	// FontSize overrides the automatic label size when > 0.
	FontSize float64
	// HideConfidence drops the score from labels.
	HideConfidence bool
}

// LineWidthFor returns the stroke width used for a w×h frame.
func LineWidthFor(w, h int) float64 {
	return math.Max(2, math.Round(float64(w+h)/2*0.003))
}

// Label formats the text drawn above a box.
func (a Annotator) Label(d detect.Detection) string {
	if a.HideConfidence {
		return d.ClassName
	}
	return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
}

// Annotate returns a copy of img with res drawn on top. The input is not
// modified and the output has the same size.
func (a Annotator) Annotate(img image.Image, res *detect.Result) *image.RGBA {
	dc := gg.NewContextForImage(img)
	w, h := dc.Width(), dc.Height()

	lw := a.LineWidth
	if lw <= 0 {
		lw = LineWidthFor(w, h)
	}
	size := a.FontSize
	if size <= 0 {
		size = math.Max(11, lw*5)
	}

	if res != nil && len(res.Detections) > 0 {
		dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
		for _, d := range res.Detections {
			a.drawDetection(dc, d, lw)
		}
	}
	return dc.Image().(*image.RGBA)
}

func (a Annotator) drawDetection(dc *gg.Context, d detect.Detection, lw float64) {
	c := ColorFor(d.ClassID, d.ClassName)
	r := d.Box

	dc.SetColor(c)
	dc.SetLineWidth(lw)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()

	text := a.Label(d)
	tw, th := dc.MeasureString(text)
	pad := math.Max(2, lw)
	box := LabelRect(r, tw+2*pad, th+2*pad, dc.Height())

	dc.SetColor(c)
	dc.DrawRectangle(box.X, box.Y, box.W, box.H)
	dc.Fill()

	dc.SetColor(textColor(c))
	dc.DrawStringAnchored(text, box.X+pad, box.Y+pad, 0, 1)
}

// Rect is a float rectangle in frame pixels.
type Rect struct {
	X, Y, W, H float64
}

// LabelRect places a w×h label on top of box, or just inside its top edge
// when there is no room above the box.
func LabelRect(box image.Rectangle, w, h float64, frameH int) Rect {
	x := float64(box.Min.X)
	y := float64(box.Min.Y) - h
	if y < 0 {
		y = float64(box.Min.Y)
		if y+h > float64(frameH) {
			y = math.Max(0, float64(frameH)-h)
		}
	}
	return Rect{X: x, Y: y, W: w, H: h}
}

// EncodeJPEG compresses img at quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG compresses img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
