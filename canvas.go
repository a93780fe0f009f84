package composegif

import (
	"fmt"
	"image"
	"image/draw"
	"sort"
	"strings"
)

// defaultDelayMs is substituted for zero or negative source delays.
const defaultDelayMs = 100

type disposeOp byte

const (
	disposeNone disposeOp = iota
	disposeBackground
	disposePrevious
)

type blendOp byte

const (
	blendSource blendOp = iota
	blendOver
)

// A frameControl describes how one sub-frame lands on the shared
// canvas: placement, timing, and what happens to the canvas once the
// frame has been snapshotted.
type frameControl struct {
	bounds  image.Rectangle
	delayMs int
	dispose disposeOp
	blend   blendOp
}

// A decodeState is the mutable canvas threaded through a decode. Both
// container front-ends (APNG and GIF) drive the same state machine and
// differ only in how they parse frameControl records and sub-frame
// pixels.
type decodeState struct {
	canvas *image.NRGBA
}

func newDecodeState(width, height int) *decodeState {
	return &decodeState{canvas: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

// advance draws src onto the canvas per fc, snapshots the full canvas
// as the frame's visible raster, then applies fc's disposal. The
// returned snapshot is independent of further canvas mutation.
func (s *decodeState) advance(fc frameControl, src image.Image) *image.NRGBA {
	var prev *image.NRGBA
	if fc.dispose == disposePrevious {
		prev = cloneNRGBA(s.canvas)
	}

	r := fc.bounds.Intersect(s.canvas.Bounds())
	sp := src.Bounds().Min.Add(r.Min.Sub(fc.bounds.Min))
	switch fc.blend {
	case blendSource:
		clearRect(s.canvas, r)
		draw.Draw(s.canvas, r, src, sp, draw.Src)
	default:
		draw.Draw(s.canvas, r, src, sp, draw.Over)
	}

	snapshot := cloneNRGBA(s.canvas)

	switch fc.dispose {
	case disposeBackground:
		clearRect(s.canvas, r)
	case disposePrevious:
		s.canvas = prev
	}
	return snapshot
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func clearRect(dst *image.NRGBA, r image.Rectangle) {
	draw.Draw(dst, r, image.Transparent, image.Point{}, draw.Src)
}

// A delayTally tracks the distinct frame delays seen while decoding
// one source, preserving first-seen order for tie breaking.
type delayTally struct {
	counts map[int]int
	order  []int
}

func newDelayTally() *delayTally {
	return &delayTally{counts: make(map[int]int)}
}

func (t *delayTally) add(ms int) {
	if _, ok := t.counts[ms]; !ok {
		t.order = append(t.order, ms)
	}
	t.counts[ms]++
}

// mostFrequent returns the delay seen most often, first-seen winning
// ties, or the default when the tally is empty.
func (t *delayTally) mostFrequent() int {
	best, bestCount := defaultDelayMs, 0
	for _, ms := range t.order {
		if t.counts[ms] > bestCount {
			best, bestCount = ms, t.counts[ms]
		}
	}
	return best
}

// warning describes an inconsistent-delay tally, or "" when all frames
// agreed.
func (t *delayTally) warning() string {
	if len(t.order) <= 1 {
		return ""
	}
	seen := make([]int, len(t.order))
	copy(seen, t.order)
	sort.Ints(seen)
	parts := make([]string, len(seen))
	for i, ms := range seen {
		parts[i] = fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("inconsistent frame delays [%s], using most common: %dms",
		strings.Join(parts, " "), t.mostFrequent())
}

// A SourceAnimation is a fully reconstructed animation source: one
// quantized Frame per source frame, the declared canvas size, the
// representative delay, and any non-fatal findings.
type SourceAnimation struct {
	Frames   []Frame
	Width    int
	Height   int
	DelayMs  int
	Warnings []string
}

// Layer converts the decoded source into a compositor layer with the
// given offset and no key colors.
func (a *SourceAnimation) Layer() *Layer {
	return &Layer{
		Frames:  a.Frames,
		Width:   a.Width,
		Height:  a.Height,
		DelayMs: a.DelayMs,
	}
}
