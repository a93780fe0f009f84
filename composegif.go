// Package composegif composites independently timed animation layers
// into one synchronized, color-quantized animated GIF.
//
// Layers come from numbered PNG frame directories, animated GIFs or
// animated PNGs. Each layer carries one uniform frame duration; the
// compositor derives a common tick from the GCD of all durations,
// draws every tick bottom to top with per-layer offsets and key-color
// transparency, and the encoder serializes the result with a shared
// global palette whenever all frames agree.
package composegif

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const Version = "1.1"

// Options hold the encoding settings shared by the library entry
// points; the cmd fills them from flags.
type Options struct {
	OutFile   string
	TargetDir string
	Scale     int
	Filter    string
	DelayMs   int
	Quiet     bool
	Verbose   bool
}

// A Composition owns the layers and options of one output animation.
// Warnings collects every non-fatal finding from loading and decoding.
type Composition struct {
	Warnings []string

	opt    Options
	layers []*Layer
}

// New returns a Composition over already built layers, bottom to top.
func New(opt Options, layers ...*Layer) (*Composition, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("no layers given")
	}
	if opt.Scale == 0 {
		opt.Scale = 1
	}
	return &Composition{opt: opt, layers: layers}, nil
}

// NewFromPath loads each source path (frame directory, GIF or APNG)
// as one layer, bottom to top.
func NewFromPath(opt Options, sources ...string) (*Composition, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources given")
	}
	var layers []*Layer
	var warnings []string
	for _, src := range sources {
		res, err := LoadSource(src)
		if err != nil {
			return nil, fmt.Errorf("LoadSource %q failed: %w", src, err)
		}
		warnings = append(warnings, res.Warnings...)
		layers = append(layers, res.Layer())
	}
	c, err := New(opt, layers...)
	if err != nil {
		return nil, err
	}
	c.Warnings = warnings
	return c, nil
}

// NewFromProject loads a YAML project manifest. Manifest settings fill
// any zero-value Options fields.
func NewFromProject(opt Options, path string) (*Composition, error) {
	p, err := LoadProject(path)
	if err != nil {
		return nil, fmt.Errorf("LoadProject %q failed: %w", path, err)
	}
	layers, warnings, err := p.BuildLayers()
	if err != nil {
		return nil, fmt.Errorf("BuildLayers failed: %w", err)
	}
	if opt.OutFile == "" {
		opt.OutFile = p.Out
	}
	if opt.Scale == 0 {
		opt.Scale = p.Scale
	}
	if opt.Filter == "" {
		opt.Filter = p.Filter
	}
	if opt.DelayMs == 0 {
		opt.DelayMs = p.Delay
	}
	c, err := New(opt, layers...)
	if err != nil {
		return nil, err
	}
	c.Warnings = warnings
	return c, nil
}

// Layers returns the composition's layers, bottom to top.
func (c *Composition) Layers() []*Layer {
	return c.layers
}

// Flatten runs the compositor over the composition's layers.
func (c *Composition) Flatten(ctx context.Context) (OutputAnimation, error) {
	return Flatten(ctx, c.layers)
}

// WriteTo flattens the layers and encodes the animated GIF to w. It
// implements io.WriterTo.
func (c *Composition) WriteTo(w io.Writer) (int64, error) {
	out, err := Flatten(context.Background(), c.layers)
	if err != nil {
		return 0, fmt.Errorf("Flatten failed: %w", err)
	}
	if c.opt.DelayMs > 0 {
		out.DelayMs = c.opt.DelayMs
	}
	enc := NewEncoder(out, c.opt.Scale, StringToScaleFilter(c.opt.Filter))
	return enc.WriteTo(w)
}

// DestinationFilename returns opt.OutFile when set, otherwise the
// first source with its extension changed to .gif, placed in
// opt.TargetDir when given.
func DestinationFilename(filename string, opt Options) string {
	dest := ""
	if opt.TargetDir != "" {
		dest = filepath.Dir(opt.TargetDir+string(os.PathSeparator)) + string(os.PathSeparator)
	}
	if opt.OutFile != "" {
		return dest + opt.OutFile
	}
	base := filepath.Base(strings.TrimSuffix(filename, filepath.Ext(filename)) + ".gif")
	return dest + base
}

// PrintUsage prints the cmd's short usage summary.
func PrintUsage() {
	fmt.Println("usage: composegif [-help -o outfile.gif -scale 2 -filter nearest -delay 100] SOURCE [SOURCE..]")
	fmt.Println("       composegif -project project.yaml")
	fmt.Println("       each SOURCE is a directory of <N>.png frames, an animated gif or an animated png")
}

// PrintHelp prints the cmd's flag help preamble.
func PrintHelp() {
	PrintUsage()
	fmt.Println()
	fmt.Println("sources stack bottom to top; the output delay defaults to the")
	fmt.Println("compositor's tick, the gcd of all layer durations.")
	fmt.Println()
}
