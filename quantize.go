package composegif

import (
	"image"
	"image/color"
	"sort"
)

// An RGB is an opaque 24 bit color, the key type for palette and
// key-color lookups. Alpha is handled separately everywhere.
type RGB struct {
	R, G, B uint8
}

// A Frame is one indexed raster plus the palette slot reserved for
// transparency, -1 if the frame has none. Frames are immutable once
// created.
type Frame struct {
	Image            *image.Paletted
	TransparentIndex int
}

// Bounds returns the pixel bounds of the frame raster.
func (f Frame) Bounds() image.Rectangle {
	return f.Image.Bounds()
}

// Quantize maps a truecolor raster onto an indexed raster with at most
// 256 palette entries. Pixels with alpha below 128 share one reserved
// transparent entry, capping the opaque palette at 255. When the image
// holds more distinct opaque colors than fit, the most frequent ones
// win, ties broken by first occurrence. Remaining pixels map to the
// nearest palette entry by squared RGB distance.
//
// Quantize is pure: identical input bytes yield identical output.
func Quantize(src *image.NRGBA) Frame {
	b := src.Bounds()
	counts := make(map[RGB]int)
	var order []RGB
	hasTransparency := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			if c.A < 128 {
				hasTransparency = true
				continue
			}
			rgb := RGB{c.R, c.G, c.B}
			if _, ok := counts[rgb]; !ok {
				order = append(order, rgb)
			}
			counts[rgb]++
		}
	}

	maxColors := 256
	if hasTransparency {
		maxColors = 255
	}

	var palette []RGB
	if len(order) <= maxColors {
		palette = order
	} else {
		palette = make([]RGB, len(order))
		copy(palette, order)
		sort.SliceStable(palette, func(i, j int) bool {
			return counts[palette[i]] > counts[palette[j]]
		})
		palette = palette[:maxColors]
	}

	transparentIndex := -1
	colors := make(color.Palette, 0, len(palette)+1)
	for _, rgb := range palette {
		colors = append(colors, color.NRGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: 0xff})
	}
	if hasTransparency {
		transparentIndex = len(colors)
		colors = append(colors, color.NRGBA{})
	}
	if len(colors) == 0 {
		// A zero-pixel image still needs a non-empty palette.
		colors = append(colors, color.NRGBA{A: 0xff})
	}

	exact := make(map[RGB]int, len(palette))
	for i, rgb := range palette {
		exact[rgb] = i
	}

	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), colors)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			var idx int
			switch {
			case c.A < 128 && transparentIndex >= 0:
				idx = transparentIndex
			default:
				rgb := RGB{c.R, c.G, c.B}
				if i, ok := exact[rgb]; ok {
					idx = i
				} else {
					idx = nearestIndex(rgb, palette, transparentIndex)
				}
			}
			dst.SetColorIndex(x-b.Min.X, y-b.Min.Y, uint8(idx))
		}
	}

	return Frame{Image: dst, TransparentIndex: transparentIndex}
}

// nearestIndex returns the palette index closest to rgb by squared
// euclidean distance, skipping the transparent slot. Ties keep the
// lowest index.
func nearestIndex(rgb RGB, palette []RGB, transparentIndex int) int {
	best := 0
	bestDist := int(^uint(0) >> 1)
	for i, p := range palette {
		if i == transparentIndex {
			continue
		}
		dr := int(rgb.R) - int(p.R)
		dg := int(rgb.G) - int(p.G)
		db := int(rgb.B) - int(p.B)
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// paletteRGB extracts the opaque RGB values of a color.Palette for
// nearest-distance remapping.
func paletteRGB(p color.Palette) []RGB {
	out := make([]RGB, len(p))
	for i, c := range p {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		out[i] = RGB{n.R, n.G, n.B}
	}
	return out
}
