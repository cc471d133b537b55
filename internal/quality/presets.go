// Package quality holds the named capture presets a config can pick from
// instead of spelling out size, frame rate and bitrate.
package quality

import (
	"fmt"
	"math"
	"strings"
)

// Preset is a standard encode size with its bitrate band in kbps.
type Preset struct {
	Name      string
	Width     int
	Height    int
	FrameRate float64
	MinKbps   int
	MaxKbps   int
}

// StartKbps is the midpoint of the band.
func (p Preset) StartKbps() int { return (p.MinKbps + p.MaxKbps) / 2 }

func (p Preset) pixels() int { return p.Width * p.Height }

func (p Preset) String() string {
	return fmt.Sprintf("%s (%dx%d@%g, %d-%d kbps)", p.Name, p.Width, p.Height, p.FrameRate, p.MinKbps, p.MaxKbps)
}

// Ordered highest to lowest.
var presets = []Preset{
	{Name: "4K@30", Width: 3840, Height: 2160, FrameRate: 30, MinKbps: 4500, MaxKbps: 6000},
	{Name: "4K@24", Width: 3840, Height: 2160, FrameRate: 24, MinKbps: 4000, MaxKbps: 5500},
	{Name: "1080p@30", Width: 1920, Height: 1080, FrameRate: 30, MinKbps: 3500, MaxKbps: 5000},
	{Name: "1080p@24", Width: 1920, Height: 1080, FrameRate: 24, MinKbps: 3000, MaxKbps: 4500},
	{Name: "720p@30", Width: 1280, Height: 720, FrameRate: 30, MinKbps: 2500, MaxKbps: 4000},
	{Name: "720p@24", Width: 1280, Height: 720, FrameRate: 24, MinKbps: 2000, MaxKbps: 3500},
	{Name: "480p@30", Width: 854, Height: 480, FrameRate: 30, MinKbps: 1500, MaxKbps: 2500},
	{Name: "480p@24", Width: 854, Height: 480, FrameRate: 24, MinKbps: 1200, MaxKbps: 2000},
	{Name: "360p@20", Width: 640, Height: 360, FrameRate: 20, MinKbps: 500, MaxKbps: 1500},
}

// Presets returns a copy of the table.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// Lookup finds a preset by name, ignoring case.
func Lookup(name string) (Preset, error) {
	for _, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.Name
	}
	return Preset{}, fmt.Errorf("unknown quality preset %q (have %s)", name, strings.Join(names, ", "))
}

// Closest matches an arbitrary size and rate to the nearest preset, scoring
// pixel count first, then aspect ratio, then frame rate.
func Closest(width, height int, fps float64) Preset {
	if width <= 0 || height <= 0 {
		return presets[len(presets)-1]
	}
	target := float64(width * height)
	aspect := float64(width) / float64(height)

	best, bestScore := presets[0], math.Inf(1)
	for _, p := range presets {
		pixelScore := math.Abs(float64(p.pixels())-target) / target
		aspectScore := math.Abs(aspect - float64(p.Width)/float64(p.Height))
		fpsScore := math.Abs(p.FrameRate-fps) / 30
		score := pixelScore*0.60 + aspectScore*0.25 + fpsScore*0.15
		if score < bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// Scaled derives a bitrate band for a custom size from its closest preset.
// Growth above the preset is damped and the band is clamped to 500-10000.
func Scaled(width, height int, fps float64) Preset {
	base := Closest(width, height, fps)
	ratio := float64(width*height) / float64(base.pixels())
	scale := ratio * 0.7
	if ratio > 1 {
		scale = 1 + (ratio-1)*0.6
	}
	if fps > 0 {
		scale *= fps / base.FrameRate
	}

	p := Preset{
		Name:      fmt.Sprintf("custom-%dx%d@%g", width, height, fps),
		Width:     width,
		Height:    height,
		FrameRate: fps,
		MinKbps:   min(10000, max(500, int(float64(base.MinKbps)*scale))),
		MaxKbps:   min(10000, int(float64(base.MaxKbps)*scale)),
	}
	if p.MaxKbps < p.MinKbps {
		p.MaxKbps = p.MinKbps
	}
	return p
}
