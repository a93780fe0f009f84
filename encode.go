package composegif

import (
	"bytes"
	"compress/lzw"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"

	"github.com/nfnt/resize"
)

// A ScaleFilter selects the resampling kernel used when upscaling
// frames during encoding.
type ScaleFilter byte

const (
	FilterNearest ScaleFilter = iota
	FilterBilinear
	FilterBicubic
)

func (f ScaleFilter) String() string {
	switch f {
	case FilterBilinear:
		return "bilinear"
	case FilterBicubic:
		return "bicubic"
	}
	return "nearest"
}

// StringToScaleFilter maps a filter name to its ScaleFilter, defaulting
// to nearest-neighbor.
func StringToScaleFilter(s string) ScaleFilter {
	switch s {
	case "bilinear":
		return FilterBilinear
	case "bicubic":
		return FilterBicubic
	}
	return FilterNearest
}

// MaxScale is the largest supported integer upscale factor.
const MaxScale = 16

// An Encoder serializes a flattened animation as an animated GIF. When
// every frame's palette is byte-identical one global color table is
// written and the per-frame local tables are omitted; otherwise each
// frame carries its own. Every frame is written with disposal
// "restore to background", the shared delay, and its transparency
// index; the first frame carries a NETSCAPE2.0 extension requesting
// infinite looping.
type Encoder struct {
	Frames  []Frame
	DelayMs int
	Scale   int
	Filter  ScaleFilter

	// Progress, if set, is called after each frame has been fully
	// written, with the number of frames completed and the total.
	Progress func(done, total int)
}

// NewEncoder returns an Encoder over the flattened animation.
func NewEncoder(out OutputAnimation, scale int, filter ScaleFilter) *Encoder {
	return &Encoder{
		Frames:  out.Frames,
		DelayMs: out.DelayMs,
		Scale:   scale,
		Filter:  filter,
	}
}

// WriteTo encodes the animation to w. It implements io.WriterTo.
func (e *Encoder) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	err := e.Encode(context.Background(), cw)
	return cw.n, err
}

// Encode writes the animated GIF to w, checking ctx between frames.
func (e *Encoder) Encode(ctx context.Context, w io.Writer) error {
	if len(e.Frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	scale := e.Scale
	if scale < 1 {
		scale = 1
	}
	if scale > MaxScale {
		return fmt.Errorf("scale %d out of range 1..%d", e.Scale, MaxScale)
	}

	delayCs := (e.DelayMs + 5) / 10
	if delayCs < 2 {
		delayCs = 2
	}

	first := e.Frames[0].Bounds()
	width, height := first.Dx()*scale, first.Dy()*scale
	if width > 0xffff || height > 0xffff {
		return fmt.Errorf("scaled size %dx%d exceeds the gif limit of 65535", width, height)
	}

	shared := sharedPalette(e.Frames)

	if _, err := w.Write([]byte("GIF89a")); err != nil {
		return fmt.Errorf("writing header failed: %w", err)
	}
	lsd := []byte{
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
		0x00, // packed, filled below
		0x00, // background color index
		0x00, // pixel aspect ratio
	}
	if shared != nil {
		bits := paletteBits(len(shared))
		lsd[4] = 0xf0 | byte(bits-1)
	}
	if _, err := w.Write(lsd); err != nil {
		return fmt.Errorf("writing screen descriptor failed: %w", err)
	}
	if shared != nil {
		if err := writeColorTable(w, shared); err != nil {
			return err
		}
	}

	// NETSCAPE2.0 application extension, loop count 0 = infinite.
	loop := []byte{
		0x21, 0xff, 0x0b,
		'N', 'E', 'T', 'S', 'C', 'A', 'P', 'E', '2', '.', '0',
		0x03, 0x01, 0x00, 0x00,
		0x00,
	}
	if _, err := w.Write(loop); err != nil {
		return fmt.Errorf("writing loop extension failed: %w", err)
	}

	total := len(e.Frames)
	for i, frame := range e.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		scaled, err := e.scaleFrame(frame, scale)
		if err != nil {
			return fmt.Errorf("scaling frame %d failed: %w", i+1, err)
		}
		if err := writeFrame(w, scaled, delayCs, shared != nil); err != nil {
			return fmt.Errorf("writing frame %d failed: %w", i+1, err)
		}
		if e.Progress != nil {
			e.Progress(i+1, total)
		}
	}

	if _, err := w.Write([]byte{0x3b}); err != nil {
		return fmt.Errorf("writing trailer failed: %w", err)
	}
	return nil
}

// scaleFrame returns the frame upscaled by scale. Nearest-neighbor
// replicates palette indices directly; bilinear and bicubic resample
// in truecolor and remap to the frame's palette afterwards.
func (e *Encoder) scaleFrame(f Frame, scale int) (Frame, error) {
	if scale == 1 {
		return f, nil
	}
	src := f.Image
	b := src.Bounds()
	dstW, dstH := b.Dx()*scale, b.Dy()*scale

	if e.Filter == FilterNearest {
		dst := image.NewPaletted(image.Rect(0, 0, dstW, dstH), src.Palette)
		for y := 0; y < dstH; y++ {
			srcY := b.Min.Y + y/scale
			for x := 0; x < dstW; x++ {
				dst.SetColorIndex(x, y, src.ColorIndexAt(b.Min.X+x/scale, srcY))
			}
		}
		return Frame{Image: dst, TransparentIndex: f.TransparentIndex}, nil
	}

	interp := resize.Bilinear
	if e.Filter == FilterBicubic {
		interp = resize.Bicubic
	}
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), src, b.Min, draw.Src)
	resized := resize.Resize(uint(dstW), uint(dstH), nrgba, interp)

	dst := image.NewPaletted(image.Rect(0, 0, dstW, dstH), src.Palette)
	pal := paletteRGB(src.Palette)
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			c := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			if c.A < 128 && f.TransparentIndex >= 0 {
				dst.SetColorIndex(x, y, uint8(f.TransparentIndex))
				continue
			}
			dst.SetColorIndex(x, y, uint8(nearestIndex(RGB{c.R, c.G, c.B}, pal, f.TransparentIndex)))
		}
	}
	return Frame{Image: dst, TransparentIndex: f.TransparentIndex}, nil
}

// writeFrame emits one graphic control extension, image descriptor,
// optional local color table and the LZW-compressed index data.
func writeFrame(w io.Writer, f Frame, delayCs int, globalPalette bool) error {
	transFlag := byte(0)
	transIdx := byte(0)
	if f.TransparentIndex >= 0 {
		transFlag = 1
		transIdx = byte(f.TransparentIndex)
	}
	gce := []byte{
		0x21, 0xf9, 0x04,
		byte(gifDisposalBackground<<2) | transFlag,
		byte(delayCs), byte(delayCs >> 8),
		transIdx,
		0x00,
	}
	if _, err := w.Write(gce); err != nil {
		return fmt.Errorf("writing graphic control failed: %w", err)
	}

	b := f.Image.Bounds()
	bits := paletteBits(len(f.Image.Palette))
	desc := []byte{
		0x2c,
		0x00, 0x00, 0x00, 0x00, // left, top
		byte(b.Dx()), byte(b.Dx() >> 8),
		byte(b.Dy()), byte(b.Dy() >> 8),
		0x00, // packed, filled below
	}
	if !globalPalette {
		desc[9] = 0x80 | byte(bits-1)
	}
	if _, err := w.Write(desc); err != nil {
		return fmt.Errorf("writing image descriptor failed: %w", err)
	}
	if !globalPalette {
		if err := writeColorTable(w, f.Image.Palette); err != nil {
			return err
		}
	}

	litWidth := bits
	if litWidth < 2 {
		litWidth = 2
	}
	if _, err := w.Write([]byte{byte(litWidth)}); err != nil {
		return fmt.Errorf("writing lzw code size failed: %w", err)
	}

	var buf bytes.Buffer
	lw := lzw.NewWriter(&buf, lzw.LSB, litWidth)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := f.Image.PixOffset(b.Min.X, y)
		if _, err := lw.Write(f.Image.Pix[off : off+b.Dx()]); err != nil {
			return fmt.Errorf("lzw compression failed: %w", err)
		}
	}
	if err := lw.Close(); err != nil {
		return fmt.Errorf("lzw close failed: %w", err)
	}

	data := buf.Bytes()
	for len(data) > 0 {
		n := len(data)
		if n > 255 {
			n = 255
		}
		if _, err := w.Write([]byte{byte(n)}); err != nil {
			return fmt.Errorf("writing data sub-block failed: %w", err)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return fmt.Errorf("writing data sub-block failed: %w", err)
		}
		data = data[n:]
	}
	_, err := w.Write([]byte{0x00})
	if err != nil {
		return fmt.Errorf("writing block terminator failed: %w", err)
	}
	return nil
}

// gifDisposalBackground is the "restore to background" disposal method
// in the graphic control extension packed field.
const gifDisposalBackground = 2

// sharedPalette returns the common palette when every frame's palette
// has the same size and byte-identical entries in the same order, nil
// otherwise.
func sharedPalette(frames []Frame) color.Palette {
	var first color.Palette
	for _, f := range frames {
		p := f.Image.Palette
		if first == nil {
			first = p
			continue
		}
		if len(p) != len(first) {
			return nil
		}
		for i := range p {
			a := color.NRGBAModel.Convert(p[i]).(color.NRGBA)
			b := color.NRGBAModel.Convert(first[i]).(color.NRGBA)
			if a != b {
				return nil
			}
		}
	}
	return first
}

// paletteBits returns the size exponent of the smallest gif color
// table holding n entries: the table has 1<<bits entries, bits >= 1.
func paletteBits(n int) int {
	bits := 1
	for 1<<bits < n {
		bits++
	}
	return bits
}

// writeColorTable writes the palette padded with black entries to the
// next power of two.
func writeColorTable(w io.Writer, p color.Palette) error {
	padded := 1 << paletteBits(len(p))
	table := make([]byte, padded*3)
	for i, c := range p {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		table[i*3] = n.R
		table[i*3+1] = n.G
		table[i*3+2] = n.B
	}
	if _, err := w.Write(table); err != nil {
		return fmt.Errorf("writing color table failed: %w", err)
	}
	return nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
