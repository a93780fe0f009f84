package composegif

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceBlendSourceReplaces(t *testing.T) {
	t.Parallel()
	st := newDecodeState(2, 2)
	red := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	st.advance(frameControl{bounds: image.Rect(0, 0, 2, 2), blend: blendSource}, red)

	// A fully transparent source frame with blend source wipes the
	// covered region instead of leaving red behind.
	clear := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	snap := st.advance(frameControl{bounds: image.Rect(0, 0, 2, 2), blend: blendSource}, clear)
	assert.Equal(t, uint8(0), snap.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), snap.NRGBAAt(1, 1).A)
}

func TestAdvanceBlendOverKeeps(t *testing.T) {
	t.Parallel()
	st := newDecodeState(2, 2)
	red := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	st.advance(frameControl{bounds: image.Rect(0, 0, 2, 2), blend: blendSource}, red)

	clear := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	snap := st.advance(frameControl{bounds: image.Rect(0, 0, 2, 2), blend: blendOver}, clear)
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, snap.NRGBAAt(0, 0))
}

func TestAdvanceDisposeBackground(t *testing.T) {
	t.Parallel()
	st := newDecodeState(4, 4)
	red := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	snap := st.advance(frameControl{
		bounds:  image.Rect(0, 0, 2, 2),
		dispose: disposeBackground,
		blend:   blendSource,
	}, red)
	require.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, snap.NRGBAAt(0, 0))

	blue := fillNRGBA(1, 1, color.NRGBA{B: 0xff, A: 0xff})
	snap = st.advance(frameControl{bounds: image.Rect(3, 3, 4, 4), blend: blendOver}, blue)
	assert.Equal(t, uint8(0), snap.NRGBAAt(0, 0).A, "disposed region must be cleared")
	assert.Equal(t, color.NRGBA{B: 0xff, A: 0xff}, snap.NRGBAAt(3, 3))
}

func TestAdvanceDisposePrevious(t *testing.T) {
	t.Parallel()
	st := newDecodeState(2, 2)
	red := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	st.advance(frameControl{bounds: image.Rect(0, 0, 2, 2), blend: blendSource}, red)

	green := fillNRGBA(1, 1, color.NRGBA{G: 0xff, A: 0xff})
	snap := st.advance(frameControl{
		bounds:  image.Rect(0, 0, 1, 1),
		dispose: disposePrevious,
		blend:   blendOver,
	}, green)
	require.Equal(t, color.NRGBA{G: 0xff, A: 0xff}, snap.NRGBAAt(0, 0))

	blue := fillNRGBA(1, 1, color.NRGBA{B: 0xff, A: 0xff})
	snap = st.advance(frameControl{bounds: image.Rect(1, 0, 2, 1), blend: blendOver}, blue)
	// the green frame was rolled back, red shows through again
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, snap.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{B: 0xff, A: 0xff}, snap.NRGBAAt(1, 0))
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, snap.NRGBAAt(1, 1))
}

func TestAdvanceClipsOutOfBounds(t *testing.T) {
	t.Parallel()
	st := newDecodeState(2, 2)
	red := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	snap := st.advance(frameControl{bounds: image.Rect(1, 1, 3, 3), blend: blendSource}, red)
	assert.Equal(t, uint8(0), snap.NRGBAAt(0, 0).A)
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, snap.NRGBAAt(1, 1))
}

func TestDelayTallyMostFrequent(t *testing.T) {
	t.Parallel()
	tally := newDelayTally()
	assert.Equal(t, defaultDelayMs, tally.mostFrequent())
	assert.Equal(t, "", tally.warning())

	for _, ms := range []int{100, 200, 100} {
		tally.add(ms)
	}
	assert.Equal(t, 100, tally.mostFrequent())
	assert.Equal(t, "inconsistent frame delays [100ms 200ms], using most common: 100ms", tally.warning())
}

func TestDelayTallyTieFirstSeen(t *testing.T) {
	t.Parallel()
	tally := newDelayTally()
	tally.add(200)
	tally.add(100)
	assert.Equal(t, 200, tally.mostFrequent())
}

func TestDelayTallyUniform(t *testing.T) {
	t.Parallel()
	tally := newDelayTally()
	tally.add(50)
	tally.add(50)
	assert.Equal(t, 50, tally.mostFrequent())
	assert.Equal(t, "", tally.warning())
}
