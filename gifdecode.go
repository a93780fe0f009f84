package composegif

import (
	"fmt"
	"image/gif"
	"io"
)

// DecodeGIF reconstructs the full-canvas raster visible at every frame
// of an animated GIF and quantizes each into an indexed Frame. GIF
// sub-frames always alpha-composite over the canvas; disposal follows
// the graphic control extension of each frame.
func DecodeGIF(r io.Reader) (*SourceAnimation, error) {
	g, err := gif.DecodeAll(r)
	if err != nil {
		return nil, fmt.Errorf("gif.DecodeAll failed: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("gif contains no frames")
	}

	width, height := g.Config.Width, g.Config.Height
	if width <= 0 || height <= 0 {
		b := g.Image[0].Bounds()
		width, height = b.Dx(), b.Dy()
	}

	st := newDecodeState(width, height)
	tally := newDelayTally()
	frames := make([]Frame, 0, len(g.Image))

	for i, sub := range g.Image {
		delayCs := 0
		if i < len(g.Delay) {
			delayCs = g.Delay[i]
		}
		if delayCs <= 0 {
			delayCs = 10
		}
		ms := delayCs * 10
		tally.add(ms)

		dispose := disposeNone
		if i < len(g.Disposal) {
			switch g.Disposal[i] {
			case gif.DisposalBackground:
				dispose = disposeBackground
			case gif.DisposalPrevious:
				dispose = disposePrevious
			}
		}

		fc := frameControl{
			bounds:  sub.Bounds(),
			delayMs: ms,
			dispose: dispose,
			blend:   blendOver,
		}
		snapshot := st.advance(fc, sub)
		frames = append(frames, Quantize(snapshot))
	}

	var warnings []string
	if w := tally.warning(); w != "" {
		warnings = append(warnings, w)
	}
	return &SourceAnimation{
		Frames:   frames,
		Width:    width,
		Height:   height,
		DelayMs:  tally.mostFrequent(),
		Warnings: warnings,
	}, nil
}
