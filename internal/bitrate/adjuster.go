// Package bitrate compensates for hardware encoders that do not hit the
// bitrate they are configured with. An Adjuster maps the requested target
// and the sizes of recently encoded frames to the values actually pushed to
// the codec.
package bitrate

import (
	"fmt"
	"strings"
)

// Adjuster is not safe for concurrent use; the encoder serializes access.
type Adjuster interface {
	// SetTargets records the bitrate (bps) and framerate requested upstream.
	SetTargets(targetBitrateBps int, targetFramerate float64)
	// ReportEncodedFrame feeds back the size of one encoded frame in bytes.
	ReportEncodedFrame(size int)
	// AdjustedBitrateBps is the bitrate to configure on the codec.
	AdjustedBitrateBps() int
	// AdjustedFramerate is the framerate to configure on the codec.
	AdjustedFramerate() float64
}

// Kind selects an Adjuster implementation.
type Kind int

const (
	KindBase Kind = iota
	KindDynamic
	KindFramerate
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindDynamic:
		return "dynamic"
	case KindFramerate:
		return "framerate"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "base":
		return KindBase, nil
	case "dynamic":
		return KindDynamic, nil
	case "framerate":
		return KindFramerate, nil
	default:
		return 0, fmt.Errorf("invalid bitrate adjuster: %s", s)
	}
}

// New returns a fresh adjuster of the given kind.
func New(k Kind) Adjuster {
	switch k {
	case KindDynamic:
		return NewDynamic()
	case KindFramerate:
		return NewFramerate()
	default:
		return NewBase()
	}
}

// Base passes targets through unchanged.
type Base struct {
	targetBitrateBps int
	targetFramerate  float64
}

func NewBase() *Base { return &Base{} }

func (b *Base) SetTargets(bps int, fps float64) {
	b.targetBitrateBps = bps
	b.targetFramerate = fps
}

func (b *Base) ReportEncodedFrame(int) {}

func (b *Base) AdjustedBitrateBps() int { return b.targetBitrateBps }

func (b *Base) AdjustedFramerate() float64 { return b.targetFramerate }

// Framerate pins the codec to a fixed framerate and scales the bitrate so
// the per-frame budget matches the requested one. Some encoders ignore the
// framerate they are given and budget bits as if running at the default.
type Framerate struct {
	Base
}

// FixedFramerate is the framerate Framerate configures on the codec.
const FixedFramerate = 30.0

func NewFramerate() *Framerate { return &Framerate{} }

func (f *Framerate) AdjustedBitrateBps() int {
	if f.targetFramerate <= 0 {
		return f.targetBitrateBps
	}
	return int(float64(f.targetBitrateBps) * FixedFramerate / f.targetFramerate)
}

func (f *Framerate) AdjustedFramerate() float64 { return FixedFramerate }
