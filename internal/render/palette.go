package render

import (
	"fmt"
	"hash/fnv"
	"image/color"
	"strconv"
)

var paletteHex = []string{
	"FF3838", "FF9D97", "FF701F", "FFB21D", "CFD231",
	"48F90A", "92CC17", "3DDB86", "1A9334", "00D4BB",
	"2C99A8", "00C2FF", "344593", "6473FF", "0018EC",
	"8438FF", "520085", "CB38FF", "FF95C8", "FF37C7",
}

// Palette is the per-class box colour table.
var Palette = mustParsePalette(paletteHex)

func mustParsePalette(hex []string) []color.RGBA {
	out := make([]color.RGBA, len(hex))
	for i, h := range hex {
		v, err := strconv.ParseUint(h, 16, 32)
		if err != nil {
			panic(fmt.Sprintf("render: bad palette entry %q: %v", h, err))
		}
		out[i] = color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
	}
	return out
}

// ColorFor picks the palette colour for a class. Unknown ids (< 0) hash the name.
func ColorFor(classID int, name string) color.RGBA {
	if classID < 0 {
		h := fnv.New32a()
		h.Write([]byte(name))
		return Palette[h.Sum32()%uint32(len(Palette))]
	}
	return Palette[classID%len(Palette)]
}

// textColor returns black or white, whichever reads better on bg.
func textColor(bg color.RGBA) color.Color {
	lum := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if lum > 150 {
		return color.Black
	}
	return color.White
}
