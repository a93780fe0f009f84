package composegif

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gifLayout is what a raw walk of the encoded container reveals:
// whether a global color table is present, how many frames carry local
// tables, and whether the looping extension was written.
type gifLayout struct {
	hasGlobal   bool
	localTables int
	frames      int
	loop        bool
}

func scanGIF(t *testing.T, data []byte) gifLayout {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte("GIF89a")))
	var l gifLayout
	packed := data[10]
	l.hasGlobal = packed&0x80 != 0
	pos := 13
	if l.hasGlobal {
		pos += 3 * (2 << (packed & 0x07))
	}
	skipSubBlocks := func() {
		for {
			n := int(data[pos])
			pos++
			if n == 0 {
				return
			}
			pos += n
		}
	}
	for {
		require.Less(t, pos, len(data), "walked past the end of the container")
		switch data[pos] {
		case 0x21:
			label := data[pos+1]
			pos += 2
			if label == 0xff && bytes.HasPrefix(data[pos+1:], []byte("NETSCAPE2.0")) {
				l.loop = true
			}
			skipSubBlocks()
		case 0x2c:
			l.frames++
			ipacked := data[pos+9]
			pos += 10
			if ipacked&0x80 != 0 {
				l.localTables++
				pos += 3 * (2 << (ipacked & 0x07))
			}
			pos++ // lzw minimum code size
			skipSubBlocks()
		case 0x3b:
			return l
		default:
			t.Fatalf("unexpected block 0x%02x at offset %d", data[pos], pos)
		}
	}
}

func encodeFrames(t *testing.T, out OutputAnimation, scale int, filter ScaleFilter) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := NewEncoder(out, scale, filter)
	n, err := enc.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	return buf.Bytes()
}

func TestEncodeNoFrames(t *testing.T) {
	t.Parallel()
	enc := NewEncoder(OutputAnimation{}, 1, FilterNearest)
	_, err := enc.WriteTo(&bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no frames to encode")
}

func TestEncodeScaleOutOfRange(t *testing.T) {
	t.Parallel()
	out := OutputAnimation{
		Frames:  []Frame{Quantize(fillNRGBA(1, 1, color.NRGBA{A: 0xff}))},
		DelayMs: 100,
	}
	enc := NewEncoder(out, MaxScale+1, FilterNearest)
	_, err := enc.WriteTo(&bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestEncodeSharedGlobalPalette(t *testing.T) {
	t.Parallel()
	pal := color.Palette{
		color.NRGBA{R: 0xff, A: 0xff},
		color.NRGBA{G: 0xff, A: 0xff},
	}
	mk := func(idx uint8) Frame {
		p := image.NewPaletted(image.Rect(0, 0, 2, 2), pal)
		for i := range p.Pix {
			p.Pix[i] = idx
		}
		return Frame{Image: p, TransparentIndex: -1}
	}
	data := encodeFrames(t, OutputAnimation{
		Frames:  []Frame{mk(0), mk(1), mk(0)},
		DelayMs: 100,
	}, 1, FilterNearest)

	l := scanGIF(t, data)
	assert.True(t, l.hasGlobal, "identical palettes must share one global table")
	assert.Equal(t, 0, l.localTables)
	assert.Equal(t, 3, l.frames)
	assert.True(t, l.loop)

	g, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 0, g.LoopCount, "loop count 0 means infinite")
	require.Len(t, g.Image, 3)
	assert.Equal(t, []int{10, 10, 10}, g.Delay)
	assert.Equal(t, color.NRGBA{R: 0xff, A: 0xff},
		color.NRGBAModel.Convert(g.Image[0].At(0, 0)).(color.NRGBA))
	assert.Equal(t, color.NRGBA{G: 0xff, A: 0xff},
		color.NRGBAModel.Convert(g.Image[1].At(1, 1)).(color.NRGBA))
}

func TestEncodeDistinctPalettes(t *testing.T) {
	t.Parallel()
	data := encodeFrames(t, OutputAnimation{
		Frames: []Frame{
			Quantize(fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})),
			Quantize(fillNRGBA(2, 2, color.NRGBA{B: 0xff, A: 0xff})),
		},
		DelayMs: 100,
	}, 1, FilterNearest)

	l := scanGIF(t, data)
	assert.False(t, l.hasGlobal, "differing palettes must fall back to local tables")
	assert.Equal(t, 2, l.localTables)
	assert.Equal(t, 2, l.frames)

	_, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
}

func TestEncodeDelayClamp(t *testing.T) {
	t.Parallel()
	frame := Quantize(fillNRGBA(1, 1, color.NRGBA{R: 0xff, A: 0xff}))
	for _, tc := range []struct {
		delayMs int
		wantCs  int
	}{
		{5, 2},   // below the 2cs floor
		{0, 2},   // zero clamps too
		{250, 25},
		{104, 10}, // rounds to nearest centisecond
	} {
		data := encodeFrames(t, OutputAnimation{Frames: []Frame{frame}, DelayMs: tc.delayMs}, 1, FilterNearest)
		g, err := gif.DecodeAll(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, tc.wantCs, g.Delay[0], "delay %dms", tc.delayMs)
	}
}

func TestEncodeScaleNearest(t *testing.T) {
	t.Parallel()
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	cols := []color.NRGBA{
		{R: 0xff, A: 0xff}, {G: 0xff, A: 0xff},
		{B: 0xff, A: 0xff}, {R: 0xff, G: 0xff, A: 0xff},
	}
	src.SetNRGBA(0, 0, cols[0])
	src.SetNRGBA(1, 0, cols[1])
	src.SetNRGBA(0, 1, cols[2])
	src.SetNRGBA(1, 1, cols[3])

	data := encodeFrames(t, OutputAnimation{
		Frames:  []Frame{Quantize(src)},
		DelayMs: 100,
	}, 3, FilterNearest)

	g, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, g.Image, 1)
	img := g.Image[0]
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			want := cols[(y/3)*2+x/3]
			got := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			assert.Equal(t, want, got, "pixel %d,%d", x, y)
		}
	}
}

func TestEncodeScaleBilinear(t *testing.T) {
	t.Parallel()
	data := encodeFrames(t, OutputAnimation{
		Frames:  []Frame{Quantize(fillNRGBA(2, 2, color.NRGBA{R: 0x80, G: 0x40, A: 0xff}))},
		DelayMs: 100,
	}, 2, FilterBilinear)

	g, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, g.Image, 1)
	img := g.Image[0]
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
	// resampling a solid frame stays solid after the palette remap
	want := color.NRGBA{R: 0x80, G: 0x40, A: 0xff}
	assert.Equal(t, want, color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA))
	assert.Equal(t, want, color.NRGBAModel.Convert(img.At(3, 3)).(color.NRGBA))
}

func TestEncodeTransparency(t *testing.T) {
	t.Parallel()
	src := fillNRGBA(2, 2, color.NRGBA{R: 0xff, A: 0xff})
	src.SetNRGBA(0, 0, color.NRGBA{})
	data := encodeFrames(t, OutputAnimation{
		Frames:  []Frame{Quantize(src)},
		DelayMs: 100,
	}, 1, FilterNearest)

	g, err := gif.DecodeAll(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, g.Image, 1)
	_, _, _, a := g.Image[0].At(0, 0).RGBA()
	assert.Equal(t, uint32(0), a)
	require.Len(t, g.Disposal, 1)
	assert.Equal(t, byte(gif.DisposalBackground), g.Disposal[0])
}

func TestEncodeProgress(t *testing.T) {
	t.Parallel()
	frame := Quantize(fillNRGBA(1, 1, color.NRGBA{R: 0xff, A: 0xff}))
	enc := NewEncoder(OutputAnimation{
		Frames:  []Frame{frame, frame, frame},
		DelayMs: 100,
	}, 1, FilterNearest)
	var calls [][2]int
	enc.Progress = func(done, total int) {
		calls = append(calls, [2]int{done, total})
	}
	_, err := enc.WriteTo(&bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func TestEncodeCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	frame := Quantize(fillNRGBA(1, 1, color.NRGBA{R: 0xff, A: 0xff}))
	enc := NewEncoder(OutputAnimation{Frames: []Frame{frame}, DelayMs: 100}, 1, FilterNearest)
	err := enc.Encode(ctx, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScaleFilterStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "nearest", FilterNearest.String())
	assert.Equal(t, "bilinear", FilterBilinear.String())
	assert.Equal(t, "bicubic", FilterBicubic.String())
	assert.Equal(t, FilterBicubic, StringToScaleFilter("bicubic"))
	assert.Equal(t, FilterNearest, StringToScaleFilter("whatever"))
}

func TestPaletteBits(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, paletteBits(1))
	assert.Equal(t, 1, paletteBits(2))
	assert.Equal(t, 2, paletteBits(3))
	assert.Equal(t, 8, paletteBits(256))
}
