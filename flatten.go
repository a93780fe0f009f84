package composegif

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// maxTicks bounds the synchronized timeline so mismatched layer
// durations cannot demand unbounded memory.
const maxTicks = 100_000

// A Layer is one animation source placed on the composite timeline:
// an ordered frame sequence, its declared size, one uniform frame
// duration, an optional set of key colors treated as transparent at
// composite time, and a pixel offset on the output canvas.
type Layer struct {
	Frames    []Frame
	Width     int
	Height    int
	DelayMs   int
	KeyColors map[RGB]bool
	OffsetX   int
	OffsetY   int
	Hidden    bool
}

// SetKeyColor registers or removes a key color on the layer.
func (l *Layer) SetKeyColor(c RGB, on bool) {
	if l.KeyColors == nil {
		l.KeyColors = make(map[RGB]bool)
	}
	if on {
		l.KeyColors[c] = true
	} else {
		delete(l.KeyColors, c)
	}
}

// An OutputAnimation is a flattened frame sequence sharing one canvas
// size and one tick duration, ready for encoding.
type OutputAnimation struct {
	Frames  []Frame
	Width   int
	Height  int
	DelayMs int
}

func gcd(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

// Flatten reconciles independently timed layers into one synchronized
// frame sequence. Layers are drawn bottom to top at their offsets,
// clipped to the canvas, with key-colored and fully transparent pixels
// skipped, and every composited tick re-quantized.
//
// A single visible layer with zero offset and no key colors passes
// through untouched. When every layer is hidden the result is one
// fully transparent frame at the first layer's size and duration.
func Flatten(ctx context.Context, layers []*Layer) (OutputAnimation, error) {
	if len(layers) == 0 {
		return OutputAnimation{}, fmt.Errorf("no layers loaded")
	}

	visible := make([]*Layer, 0, len(layers))
	for i, l := range layers {
		if l.Hidden {
			continue
		}
		if len(l.Frames) == 0 {
			return OutputAnimation{}, fmt.Errorf("layer %d has no frames", i+1)
		}
		visible = append(visible, l)
	}
	if len(visible) == 0 {
		return transparentAnimation(layers[0]), nil
	}

	if len(visible) == 1 && visible[0].OffsetX == 0 && visible[0].OffsetY == 0 {
		l := visible[0]
		if len(l.KeyColors) == 0 {
			return OutputAnimation{
				Frames:  l.Frames,
				Width:   l.Width,
				Height:  l.Height,
				DelayMs: layerDelay(l),
			}, nil
		}
		return applyKeyColors(ctx, l)
	}

	return composite(ctx, visible)
}

// transparentAnimation is the explicit all-hidden path: one fully
// transparent frame at the reference layer's dimensions and duration,
// no tick math involved.
func transparentAnimation(ref *Layer) OutputAnimation {
	canvas := image.NewNRGBA(image.Rect(0, 0, ref.Width, ref.Height))
	return OutputAnimation{
		Frames:  []Frame{Quantize(canvas)},
		Width:   ref.Width,
		Height:  ref.Height,
		DelayMs: layerDelay(ref),
	}
}

func layerDelay(l *Layer) int {
	if l.DelayMs <= 0 {
		return defaultDelayMs
	}
	return l.DelayMs
}

// applyKeyColors re-renders a single layer with its key colors
// stripped to transparency.
func applyKeyColors(ctx context.Context, l *Layer) (OutputAnimation, error) {
	out := make([]Frame, 0, len(l.Frames))
	for _, f := range l.Frames {
		if err := ctx.Err(); err != nil {
			return OutputAnimation{}, err
		}
		canvas := image.NewNRGBA(image.Rect(0, 0, l.Width, l.Height))
		drawLayerFrame(canvas, f, l.KeyColors, 0, 0)
		out = append(out, Quantize(canvas))
	}
	return OutputAnimation{
		Frames:  out,
		Width:   l.Width,
		Height:  l.Height,
		DelayMs: layerDelay(l),
	}, nil
}

func composite(ctx context.Context, layers []*Layer) (OutputAnimation, error) {
	width, height := 0, 0
	for _, l := range layers {
		if l.Width > width {
			width = l.Width
		}
		if l.Height > height {
			height = l.Height
		}
	}

	tick := layerDelay(layers[0])
	for _, l := range layers[1:] {
		tick = gcd(tick, layerDelay(l))
	}

	steps := make([]int, len(layers))
	frameCounts := make([]int, len(layers))
	totalTicks := 1
	for i, l := range layers {
		steps[i] = layerDelay(l) / tick
		frameCounts[i] = len(l.Frames)
		totalTicks = lcm(totalTicks, frameCounts[i]*steps[i])
		if totalTicks > maxTicks || totalTicks <= 0 {
			return OutputAnimation{}, fmt.Errorf(
				"animation cycle too long (over %d frames), reduce frame counts or adjust layer durations so they share a common factor",
				maxTicks)
		}
	}

	out := make([]Frame, 0, totalTicks)
	for t := 0; t < totalTicks; t++ {
		if err := ctx.Err(); err != nil {
			return OutputAnimation{}, err
		}
		canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
		for i, l := range layers {
			frame := l.Frames[(t/steps[i])%frameCounts[i]]
			if len(l.KeyColors) == 0 {
				b := frame.Bounds()
				r := image.Rect(l.OffsetX, l.OffsetY, l.OffsetX+b.Dx(), l.OffsetY+b.Dy()).
					Intersect(canvas.Bounds())
				sp := b.Min.Add(r.Min.Sub(image.Pt(l.OffsetX, l.OffsetY)))
				draw.Draw(canvas, r, frame.Image, sp, draw.Over)
				continue
			}
			drawLayerFrame(canvas, frame, l.KeyColors, l.OffsetX, l.OffsetY)
		}
		out = append(out, Quantize(canvas))
	}

	return OutputAnimation{
		Frames:  out,
		Width:   width,
		Height:  height,
		DelayMs: tick,
	}, nil
}

// drawLayerFrame copies a frame onto the canvas at the given offset,
// clipped to the canvas, skipping fully transparent source pixels and
// pixels whose opaque RGB is in keyColors. Key colors never match a
// pixel through its alpha: only the RGB value is compared.
func drawLayerFrame(canvas *image.NRGBA, frame Frame, keyColors map[RGB]bool, offsetX, offsetY int) {
	src := frame.Image
	b := src.Bounds()
	pal := make([]color.NRGBA, len(src.Palette))
	for i, c := range src.Palette {
		pal[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
	}

	cb := canvas.Bounds()
	startX := max(0, -offsetX)
	startY := max(0, -offsetY)
	endX := min(b.Dx(), cb.Max.X-offsetX)
	endY := min(b.Dy(), cb.Max.Y-offsetY)

	for sy := startY; sy < endY; sy++ {
		for sx := startX; sx < endX; sx++ {
			c := pal[src.ColorIndexAt(b.Min.X+sx, b.Min.Y+sy)]
			if c.A == 0 {
				continue
			}
			if keyColors[RGB{c.R, c.G, c.B}] {
				continue
			}
			canvas.SetNRGBA(offsetX+sx, offsetY+sy, c)
		}
	}
}
