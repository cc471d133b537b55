// Package videoframe models captured video frames. A frame is backed by
// exactly one of two buffer kinds: a GPU texture or a planar I420 buffer.
package videoframe

import (
	"errors"
	"fmt"
)

// Kind identifies which variant backs a frame.
type Kind int

const (
	KindTexture Kind = iota
	KindI420
)

func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindI420:
		return "i420"
	default:
		return "unknown"
	}
}

var (
	ErrOddDimensions = errors.New("frame dimensions must be even")
	ErrNoReadback    = errors.New("texture buffer has no cpu readback")
)

// Buffer is the sealed two-variant frame payload: *TextureBuffer or *I420Buffer.
type Buffer interface {
	Kind() Kind
	Width() int
	Height() int
	// Release hands the buffer back to its producer.
	Release()
	sealed()
}

// TextureType mirrors the GL texture target a producer rendered into.
type TextureType int

const (
	TextureOES TextureType = iota
	TextureRGB
)

// TextureBuffer is a GPU-resident image. The encoder never reads its pixels
// directly; surface mode draws it and buffer mode asks for a readback.
type TextureBuffer struct {
	TextureID uint32
	Type      TextureType
	W, H      int
	// Transform is the 4x4 column-major texture matrix.
	Transform [16]float32

	readback  func() (*I420Buffer, error)
	onRelease func()
}

// NewTextureBuffer wraps a texture. readback may be nil when the producer
// cannot copy to CPU memory; onRelease may be nil.
func NewTextureBuffer(id uint32, typ TextureType, w, h int, readback func() (*I420Buffer, error), onRelease func()) *TextureBuffer {
	return &TextureBuffer{
		TextureID: id,
		Type:      typ,
		W:         w,
		H:         h,
		Transform: identity(),
		readback:  readback,
		onRelease: onRelease,
	}
}

func (t *TextureBuffer) Kind() Kind  { return KindTexture }
func (t *TextureBuffer) Width() int  { return t.W }
func (t *TextureBuffer) Height() int { return t.H }
func (t *TextureBuffer) sealed()     {}

func (t *TextureBuffer) Release() {
	if t.onRelease != nil {
		t.onRelease()
		t.onRelease = nil
	}
}

// ToI420 reads the texture back into CPU memory.
func (t *TextureBuffer) ToI420() (*I420Buffer, error) {
	if t.readback == nil {
		return nil, ErrNoReadback
	}
	return t.readback()
}

func identity() [16]float32 {
	return [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// Frame is one captured picture with its capture metadata.
type Frame struct {
	Buffer Buffer
	// Rotation in degrees clockwise: 0, 90, 180 or 270.
	Rotation    int
	TimestampNs int64
}

// NewFrame validates rotation and returns a frame.
func NewFrame(buf Buffer, rotation int, timestampNs int64) (*Frame, error) {
	switch rotation {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("invalid rotation %d", rotation)
	}
	return &Frame{Buffer: buf, Rotation: rotation, TimestampNs: timestampNs}, nil
}

func (f *Frame) Width() int  { return f.Buffer.Width() }
func (f *Frame) Height() int { return f.Buffer.Height() }

// Release releases the backing buffer.
func (f *Frame) Release() {
	if f.Buffer != nil {
		f.Buffer.Release()
	}
}

// CheckAlignment reports ErrOddDimensions unless width and height are
// multiples of two.
func CheckAlignment(width, height int) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", ErrOddDimensions, width, height)
	}
	return nil
}
