package composegif

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// A ProjectLayer describes one layer of a project manifest. Source is
// a directory of numbered frames or a single image/animation file,
// resolved relative to the manifest.
type ProjectLayer struct {
	Source    string   `yaml:"source"`
	Duration  int      `yaml:"duration"`
	OffsetX   int      `yaml:"offset_x"`
	OffsetY   int      `yaml:"offset_y"`
	KeyColors []string `yaml:"key_colors"`
	Hidden    bool     `yaml:"hidden"`
}

// A Project is a headless composition manifest: layers bottom to top
// plus output settings.
type Project struct {
	Out    string         `yaml:"out"`
	Scale  int            `yaml:"scale"`
	Filter string         `yaml:"filter"`
	Delay  int            `yaml:"delay"`
	Layers []ProjectLayer `yaml:"layers"`

	dir string
}

// ParseProject reads a project manifest from r.
func ParseProject(r io.Reader) (*Project, error) {
	var p Project
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding project yaml failed: %w", err)
	}
	if len(p.Layers) == 0 {
		return nil, fmt.Errorf("project has no layers")
	}
	if p.Scale == 0 {
		p.Scale = 1
	}
	return &p, nil
}

// LoadProject reads a project manifest from path; layer sources become
// relative to the manifest's directory.
func LoadProject(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open %q failed: %w", path, err)
	}
	defer f.Close()
	p, err := ParseProject(f)
	if err != nil {
		return nil, fmt.Errorf("parsing project %q failed: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// BuildLayers loads every layer source and applies the manifest's
// per-layer settings, returning the layers bottom to top and the
// accumulated loader warnings.
func (p *Project) BuildLayers() ([]*Layer, []string, error) {
	layers := make([]*Layer, 0, len(p.Layers))
	var warnings []string
	for i, pl := range p.Layers {
		src := pl.Source
		if p.dir != "" && !filepath.IsAbs(src) {
			src = filepath.Join(p.dir, src)
		}
		res, err := LoadSource(src)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: loading %q failed: %w", i+1, pl.Source, err)
		}
		warnings = append(warnings, res.Warnings...)

		l := res.Layer()
		if pl.Duration > 0 {
			l.DelayMs = pl.Duration
		}
		l.OffsetX = pl.OffsetX
		l.OffsetY = pl.OffsetY
		l.Hidden = pl.Hidden
		for _, s := range pl.KeyColors {
			c, err := ParseHexColor(s)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %d: %w", i+1, err)
			}
			l.SetKeyColor(c, true)
		}
		layers = append(layers, l)
	}
	return layers, warnings, nil
}

// ParseHexColor parses a "#rrggbb" or "rrggbb" color string.
func ParseHexColor(s string) (RGB, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return RGB{}, fmt.Errorf("invalid color %q, want #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid color %q, want #rrggbb", s)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}
