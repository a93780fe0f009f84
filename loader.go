package composegif

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

var framePattern = regexp.MustCompile(`^(\d+)\.png$`)

// A LoadResult is a loaded frame sequence: the frames in display
// order, their common dimensions, the delay extracted from the first
// animated source (-1 when none carried timing), and any non-fatal
// findings.
type LoadResult struct {
	Frames   []Frame
	Width    int
	Height   int
	DelayMs  int
	Warnings []string
}

// Layer converts the loaded sequence into a compositor layer, using
// the extracted delay when present.
func (r *LoadResult) Layer() *Layer {
	delay := r.DelayMs
	if delay <= 0 {
		delay = defaultDelayMs
	}
	return &Layer{
		Frames:  r.Frames,
		Width:   r.Width,
		Height:  r.Height,
		DelayMs: delay,
	}
}

// isFrameFilename reports whether name looks like a numbered frame
// file, e.g. "1.png" or "0004.PNG", with a positive number.
func isFrameFilename(name string) bool {
	m := framePattern.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return false
	}
	n, err := strconv.Atoi(m[1])
	return err == nil && n > 0
}

// LoadDir loads every numbered frame file in dir, in natural order.
func LoadDir(dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("os.ReadDir %q failed: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isFrameFilename(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frame files matching <N>.png found in %q", dir)
	}
	return LoadFiles(paths)
}

// LoadFiles loads an explicit set of frame sources in natural filename
// order. Still PNGs contribute one frame each; animated GIF and APNG
// files expand into all of their reconstructed frames. The first
// animated source supplies the extracted delay. All frames must share
// one size; every mismatch is collected into the returned error.
func LoadFiles(paths []string) (*LoadResult, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files provided")
	}
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.SliceStable(sorted, func(i, j int) bool {
		return naturalLess(filepath.Base(sorted[i]), filepath.Base(sorted[j]))
	})

	res := &LoadResult{Width: -1, Height: -1, DelayMs: -1}
	var dimErr error

	for _, path := range sorted {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile %q failed: %w", path, err)
		}

		var anim *SourceAnimation
		switch {
		case strings.EqualFold(filepath.Ext(path), ".gif"):
			anim, err = DecodeGIF(bytes.NewReader(data))
		case IsAPNG(bytes.NewReader(data)):
			anim, err = DecodeAPNG(bytes.NewReader(data))
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %q failed: %w", path, err)
		}
		if anim != nil {
			if res.DelayMs < 0 {
				res.DelayMs = anim.DelayMs
			}
			dimErr = checkDimensions(dimErr, res, filepath.Base(path), anim.Width, anim.Height)
			res.Frames = append(res.Frames, anim.Frames...)
			res.Warnings = append(res.Warnings, anim.Warnings...)
			continue
		}

		displayIndex := len(res.Frames) + 1
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding frame %d (%q) failed: %w", displayIndex, path, err)
		}
		b := img.Bounds()
		dimErr = checkDimensions(dimErr, res, filepath.Base(path), b.Dx(), b.Dy())

		if pm, ok := img.(*image.Paletted); ok {
			res.Frames = append(res.Frames, Frame{
				Image:            pm,
				TransparentIndex: transparentPaletteIndex(pm.Palette),
			})
			continue
		}
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"frame %d (%s): truecolor, quantizing to 256 colors for gif compatibility",
			displayIndex, filepath.Base(path)))
		res.Frames = append(res.Frames, Quantize(toNRGBA(img)))
	}

	if dimErr != nil {
		return nil, fmt.Errorf("inconsistent frame dimensions, first frame is %dx%d: %w",
			res.Width, res.Height, dimErr)
	}
	return res, nil
}

// LoadSource loads one layer source: a directory of numbered frames or
// a single image/animation file.
func LoadSource(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("os.Stat %q failed: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFiles([]string{path})
}

func checkDimensions(dimErr error, res *LoadResult, name string, w, h int) error {
	if res.Width < 0 {
		res.Width, res.Height = w, h
		return dimErr
	}
	if w != res.Width || h != res.Height {
		return multierr.Append(dimErr, fmt.Errorf("%s: %dx%d (expected %dx%d)",
			name, w, h, res.Width, res.Height))
	}
	return dimErr
}

// transparentPaletteIndex returns the first palette slot with alpha
// below 128, -1 if the palette is fully opaque.
func transparentPaletteIndex(p color.Palette) int {
	for i, c := range p {
		n := color.NRGBAModel.Convert(c).(color.NRGBA)
		if n.A < 128 {
			return i
		}
	}
	return -1
}

// toNRGBA copies any image into an *image.NRGBA with bounds starting
// at (0,0).
func toNRGBA(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

var naturalSplit = regexp.MustCompile(`\d+|\D+`)

// naturalLess orders filenames so numeric runs compare by value:
// 2.png sorts before 10.png. Equal values with different zero padding
// fall back to string order.
func naturalLess(a, b string) bool {
	pa := naturalSplit.FindAllString(a, -1)
	pb := naturalSplit.FindAllString(b, -1)
	n := len(pa)
	if len(pb) < n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		x, y := pa[i], pb[i]
		xd := x != "" && x[0] >= '0' && x[0] <= '9'
		yd := y != "" && y[0] >= '0' && y[0] <= '9'
		if xd && yd {
			xv, errX := strconv.ParseInt(x, 10, 64)
			yv, errY := strconv.ParseInt(y, 10, 64)
			if errX == nil && errY == nil {
				if xv != yv {
					return xv < yv
				}
				if x != y {
					return x < y
				}
				continue
			}
		}
		lx, ly := strings.ToLower(x), strings.ToLower(y)
		if lx != ly {
			return lx < ly
		}
	}
	return len(pa) < len(pb)
}
