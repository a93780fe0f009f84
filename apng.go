package composegif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/klauspost/compress/zlib"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

// APNG frame control operators, per the APNG spec.
const (
	apngDisposeNone       = 0
	apngDisposeBackground = 1
	apngDisposePrevious   = 2

	apngBlendSource = 0
	apngBlendOver   = 1
)

// Chunks larger than this are treated as corrupt rather than read.
const maxChunkLength = 100_000_000

type pngChunk struct {
	typ  string
	data []byte
}

// pngHeader is a parsed IHDR chunk.
type pngHeader struct {
	width, height int
	bitDepth      byte
	colorType     byte
	interlace     byte
}

// IsAPNG reports whether r holds a PNG with an acTL chunk before the
// first IDAT, i.e. an animated PNG.
func IsAPNG(r io.Reader) bool {
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil || !bytes.Equal(sig, pngSignature) {
		return false
	}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return false
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		typ := string(hdr[4:8])
		switch typ {
		case "acTL":
			return true
		case "IDAT", "IEND":
			return false
		}
		if length > maxChunkLength {
			return false
		}
		// Skip data plus CRC.
		if _, err := io.CopyN(io.Discard, r, int64(length)+4); err != nil {
			return false
		}
	}
}

// DecodeAPNG parses an animated PNG and reconstructs the truecolor
// raster visible at every frame tick, honoring per-frame disposal and
// blend semantics, then quantizes each tick into an indexed Frame.
func DecodeAPNG(r io.Reader) (*SourceAnimation, error) {
	chunks, err := readPNGChunks(r)
	if err != nil {
		return nil, err
	}

	var (
		ihdrData     []byte
		plte, trns   []byte
		numFrames    = -1
		apngControls []apngFrameControl
		frameData    [][][]byte
		currentData  [][]byte
		firstIdat    bool
		defaultFirst bool
	)

	for _, c := range chunks {
		switch c.typ {
		case "IHDR":
			ihdrData = c.data
		case "acTL":
			if len(c.data) < 4 {
				return nil, fmt.Errorf("short acTL chunk: %d bytes", len(c.data))
			}
			numFrames = int(binary.BigEndian.Uint32(c.data[:4]))
		case "fcTL":
			fc, err := parseFcTL(c.data)
			if err != nil {
				return nil, err
			}
			apngControls = append(apngControls, fc)
			if !firstIdat && len(apngControls) == 1 {
				// The default image doubles as the first frame.
				defaultFirst = true
			}
			if currentData != nil {
				frameData = append(frameData, currentData)
			}
			currentData = [][]byte{}
		case "IDAT":
			firstIdat = true
			if defaultFirst && currentData != nil {
				currentData = append(currentData, c.data)
			}
		case "fdAT":
			if currentData != nil {
				if len(c.data) < 4 {
					return nil, fmt.Errorf("short fdAT chunk: %d bytes", len(c.data))
				}
				currentData = append(currentData, c.data[4:])
			}
		case "PLTE":
			if !firstIdat {
				plte = c.data
			}
		case "tRNS":
			if !firstIdat {
				trns = c.data
			}
		}
	}
	if currentData != nil {
		frameData = append(frameData, currentData)
	}

	if ihdrData == nil {
		return nil, fmt.Errorf("apng: missing IHDR chunk")
	}
	if numFrames < 0 {
		return nil, fmt.Errorf("apng: missing acTL chunk")
	}
	if len(apngControls) != numFrames {
		return nil, fmt.Errorf("apng: frame count mismatch: acTL declares %d but found %d fcTL chunks",
			numFrames, len(apngControls))
	}
	if len(frameData) != numFrames {
		return nil, fmt.Errorf("apng: frame data mismatch: expected %d frames but found image data for %d",
			numFrames, len(frameData))
	}

	hdr, err := parseIHDR(ihdrData)
	if err != nil {
		return nil, err
	}

	st := newDecodeState(hdr.width, hdr.height)
	tally := newDelayTally()
	frames := make([]Frame, 0, numFrames)

	for i := 0; i < numFrames; i++ {
		afc := apngControls[i]
		sub, err := decodeFramePixels(hdr, plte, trns, afc.width, afc.height, frameData[i])
		if err != nil {
			return nil, fmt.Errorf("apng: decoding frame %d failed: %w", i+1, err)
		}
		fc := afc.control()
		tally.add(fc.delayMs)
		snapshot := st.advance(fc, sub)
		frames = append(frames, Quantize(snapshot))
	}

	var warnings []string
	if w := tally.warning(); w != "" {
		warnings = append(warnings, w)
	}
	return &SourceAnimation{
		Frames:   frames,
		Width:    hdr.width,
		Height:   hdr.height,
		DelayMs:  tally.mostFrequent(),
		Warnings: warnings,
	}, nil
}

// An apngFrameControl is a raw fcTL record.
type apngFrameControl struct {
	width, height    int
	xOffset, yOffset int
	delayNum         int
	delayDen         int
	disposeOp        byte
	blendOp          byte
}

// control converts the fcTL record to the shared state machine's
// frameControl, normalizing the delay: denominator 0 means hundredths
// of a second, and non-positive results fall back to the default.
func (a apngFrameControl) control() frameControl {
	den := a.delayDen
	if den == 0 {
		den = 100
	}
	ms := a.delayNum * 1000 / den
	if ms <= 0 {
		ms = defaultDelayMs
	}
	dispose := disposeNone
	switch a.disposeOp {
	case apngDisposeBackground:
		dispose = disposeBackground
	case apngDisposePrevious:
		dispose = disposePrevious
	}
	blend := blendSource
	if a.blendOp == apngBlendOver {
		blend = blendOver
	}
	return frameControl{
		bounds:  image.Rect(a.xOffset, a.yOffset, a.xOffset+a.width, a.yOffset+a.height),
		delayMs: ms,
		dispose: dispose,
		blend:   blend,
	}
}

func parseFcTL(data []byte) (apngFrameControl, error) {
	if len(data) < 26 {
		return apngFrameControl{}, fmt.Errorf("short fcTL chunk: %d bytes", len(data))
	}
	return apngFrameControl{
		width:     int(binary.BigEndian.Uint32(data[4:8])),
		height:    int(binary.BigEndian.Uint32(data[8:12])),
		xOffset:   int(binary.BigEndian.Uint32(data[12:16])),
		yOffset:   int(binary.BigEndian.Uint32(data[16:20])),
		delayNum:  int(binary.BigEndian.Uint16(data[20:22])),
		delayDen:  int(binary.BigEndian.Uint16(data[22:24])),
		disposeOp: data[24],
		blendOp:   data[25],
	}, nil
}

func parseIHDR(data []byte) (pngHeader, error) {
	if len(data) < 13 {
		return pngHeader{}, fmt.Errorf("short IHDR chunk: %d bytes", len(data))
	}
	hdr := pngHeader{
		width:     int(binary.BigEndian.Uint32(data[0:4])),
		height:    int(binary.BigEndian.Uint32(data[4:8])),
		bitDepth:  data[8],
		colorType: data[9],
		interlace: data[12],
	}
	if hdr.width <= 0 || hdr.height <= 0 {
		return pngHeader{}, fmt.Errorf("invalid canvas size %dx%d", hdr.width, hdr.height)
	}
	if hdr.bitDepth != 8 {
		return pngHeader{}, fmt.Errorf("unsupported bit depth %d, only 8 is supported", hdr.bitDepth)
	}
	switch hdr.colorType {
	case 0, 2, 3, 4, 6:
	default:
		return pngHeader{}, fmt.Errorf("unsupported color type %d", hdr.colorType)
	}
	if hdr.interlace != 0 {
		return pngHeader{}, fmt.Errorf("interlaced images are not supported")
	}
	return hdr, nil
}

func readPNGChunks(r io.Reader) ([]pngChunk, error) {
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(r, sig); err != nil {
		// An input too short for the signature is not a png either.
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("not a png file")
		}
		return nil, fmt.Errorf("reading png signature failed: %w", err)
	}
	if !bytes.Equal(sig, pngSignature) {
		return nil, fmt.Errorf("not a png file")
	}
	var chunks []pngChunk
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading chunk header failed: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[:4])
		if length > maxChunkLength {
			return nil, fmt.Errorf("invalid chunk length: %d", length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("reading chunk data failed: %w", err)
		}
		var crc [4]byte
		if _, err := io.ReadFull(r, crc[:]); err != nil {
			return nil, fmt.Errorf("reading chunk crc failed: %w", err)
		}
		typ := string(hdr[4:8])
		chunks = append(chunks, pngChunk{typ: typ, data: data})
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

// bytesPerPixel for the supported 8 bit color types.
func bytesPerPixel(colorType byte) int {
	switch colorType {
	case 0, 3:
		return 1
	case 4:
		return 2
	case 2:
		return 3
	default: // 6
		return 4
	}
}

// decodeFramePixels inflates one frame's compressed scanlines,
// reverses the per-row filters, and expands the samples to NRGBA.
func decodeFramePixels(hdr pngHeader, plte, trns []byte, width, height int, data [][]byte) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	zr, err := zlib.NewReader(io.MultiReader(readers(data)...))
	if err != nil {
		return nil, fmt.Errorf("zlib.NewReader failed: %w", err)
	}
	defer zr.Close()

	bpp := bytesPerPixel(hdr.colorType)
	rowLen := 1 + width*bpp
	raw := make([]byte, rowLen*height)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("reading scanlines failed: %w", err)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	prev := make([]byte, width*bpp)
	for y := 0; y < height; y++ {
		row := raw[y*rowLen : (y+1)*rowLen]
		ft, cur := row[0], row[1:]
		if err := unfilterRow(ft, cur, prev, bpp); err != nil {
			return nil, err
		}
		if err := expandRow(dst, y, cur, hdr.colorType, plte, trns); err != nil {
			return nil, err
		}
		copy(prev, cur)
	}
	return dst, nil
}

func readers(bb [][]byte) []io.Reader {
	rr := make([]io.Reader, len(bb))
	for i, b := range bb {
		rr[i] = bytes.NewReader(b)
	}
	return rr
}

// unfilterRow reverses a PNG row filter in place.
func unfilterRow(filter byte, cur, prev []byte, bpp int) error {
	switch filter {
	case 0: // none
	case 1: // sub
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case 2: // up
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3: // average
		for i := range cur {
			var left byte
			if i >= bpp {
				left = cur[i-bpp]
			}
			cur[i] += byte((int(left) + int(prev[i])) / 2)
		}
	case 4: // paeth
		for i := range cur {
			var left, upLeft byte
			if i >= bpp {
				left = cur[i-bpp]
				upLeft = prev[i-bpp]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	default:
		return fmt.Errorf("invalid filter type %d", filter)
	}
	return nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	default:
		return c
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// expandRow converts one unfiltered scanline into NRGBA pixels.
func expandRow(dst *image.NRGBA, y int, row []byte, colorType byte, plte, trns []byte) error {
	width := dst.Bounds().Dx()
	off := dst.PixOffset(0, y)
	pix := dst.Pix[off : off+width*4]
	switch colorType {
	case 0: // grayscale
		for x := 0; x < width; x++ {
			v := row[x]
			pix[x*4], pix[x*4+1], pix[x*4+2], pix[x*4+3] = v, v, v, 0xff
		}
	case 2: // rgb
		for x := 0; x < width; x++ {
			pix[x*4] = row[x*3]
			pix[x*4+1] = row[x*3+1]
			pix[x*4+2] = row[x*3+2]
			pix[x*4+3] = 0xff
		}
	case 3: // paletted
		for x := 0; x < width; x++ {
			i := int(row[x])
			if i*3+2 >= len(plte) {
				return fmt.Errorf("palette index %d out of range", i)
			}
			a := byte(0xff)
			if i < len(trns) {
				a = trns[i]
			}
			pix[x*4] = plte[i*3]
			pix[x*4+1] = plte[i*3+1]
			pix[x*4+2] = plte[i*3+2]
			pix[x*4+3] = a
		}
	case 4: // grayscale + alpha
		for x := 0; x < width; x++ {
			v := row[x*2]
			pix[x*4], pix[x*4+1], pix[x*4+2], pix[x*4+3] = v, v, v, row[x*2+1]
		}
	default: // 6, rgba
		copy(pix, row[:width*4])
	}
	return nil
}
