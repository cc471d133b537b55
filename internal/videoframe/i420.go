package videoframe

import (
	"errors"
	"fmt"
	"image"
)

var ErrLayout = errors.New("invalid buffer layout")

// I420Buffer is a planar 4:2:0 picture in CPU memory.
type I420Buffer struct {
	W, H                      int
	Y, U, V                   []byte
	StrideY, StrideU, StrideV int

	onRelease func()
}

// NewI420Buffer allocates a tightly packed buffer.
func NewI420Buffer(w, h int) *I420Buffer {
	cw, ch := (w+1)/2, (h+1)/2
	return &I420Buffer{
		W: w, H: h,
		Y: make([]byte, w*h), U: make([]byte, cw*ch), V: make([]byte, cw*ch),
		StrideY: w, StrideU: cw, StrideV: cw,
	}
}

// WrapI420 wraps caller-owned planes. onRelease may be nil.
func WrapI420(w, h int, y, u, v []byte, strideY, strideU, strideV int, onRelease func()) (*I420Buffer, error) {
	cw, ch := (w+1)/2, (h+1)/2
	if strideY < w || strideU < cw || strideV < cw {
		return nil, fmt.Errorf("%w: strides %d/%d/%d for %dx%d", ErrLayout, strideY, strideU, strideV, w, h)
	}
	if len(y) < strideY*(h-1)+w || len(u) < strideU*(ch-1)+cw || len(v) < strideV*(ch-1)+cw {
		return nil, fmt.Errorf("%w: plane too short for %dx%d", ErrLayout, w, h)
	}
	return &I420Buffer{
		W: w, H: h, Y: y, U: u, V: v,
		StrideY: strideY, StrideU: strideU, StrideV: strideV,
		onRelease: onRelease,
	}, nil
}

func (b *I420Buffer) Kind() Kind  { return KindI420 }
func (b *I420Buffer) Width() int  { return b.W }
func (b *I420Buffer) Height() int { return b.H }
func (b *I420Buffer) sealed()     {}

func (b *I420Buffer) Release() {
	if b.onRelease != nil {
		b.onRelease()
		b.onRelease = nil
	}
}

// PlaneFormat is the chroma arrangement a codec input buffer expects.
type PlaneFormat int

const (
	// Planar is Y, then U, then V (I420).
	Planar PlaneFormat = iota
	// SemiPlanar is Y, then interleaved UV (NV12).
	SemiPlanar
)

// Layout is the memory layout of a codec input buffer. Stride and
// SliceHeight may exceed the logical picture size and are honoured exactly.
type Layout struct {
	Format      PlaneFormat
	Stride      int
	SliceHeight int
}

// Size returns the number of bytes a picture occupies in this layout.
func (l Layout) Size() int {
	luma := l.Stride * l.SliceHeight
	switch l.Format {
	case SemiPlanar:
		return luma + l.Stride*((l.SliceHeight+1)/2)
	default:
		return luma + 2*((l.Stride+1)/2)*((l.SliceHeight+1)/2)
	}
}

// Validate checks that the layout can hold a width x height picture.
func (l Layout) Validate(width, height int) error {
	if l.Stride < width || l.SliceHeight < height {
		return fmt.Errorf("%w: stride %d slice height %d for %dx%d", ErrLayout, l.Stride, l.SliceHeight, width, height)
	}
	return nil
}

// CopyTo writes the picture into dst using the layout and returns the
// number of bytes the layout occupies.
func (b *I420Buffer) CopyTo(dst []byte, l Layout) (int, error) {
	if err := l.Validate(b.W, b.H); err != nil {
		return 0, err
	}
	size := l.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, buffer has %d", ErrLayout, size, len(dst))
	}

	for y := 0; y < b.H; y++ {
		copy(dst[y*l.Stride:y*l.Stride+b.W], b.Y[y*b.StrideY:y*b.StrideY+b.W])
	}

	cw, ch := (b.W+1)/2, (b.H+1)/2
	chromaBase := l.Stride * l.SliceHeight

	switch l.Format {
	case SemiPlanar:
		for y := 0; y < ch; y++ {
			row := dst[chromaBase+y*l.Stride:]
			u := b.U[y*b.StrideU:]
			v := b.V[y*b.StrideV:]
			for x := 0; x < cw; x++ {
				row[2*x] = u[x]
				row[2*x+1] = v[x]
			}
		}
	default:
		cStride := (l.Stride + 1) / 2
		cSlice := (l.SliceHeight + 1) / 2
		uBase := chromaBase
		vBase := uBase + cStride*cSlice
		for y := 0; y < ch; y++ {
			copy(dst[uBase+y*cStride:uBase+y*cStride+cw], b.U[y*b.StrideU:y*b.StrideU+cw])
			copy(dst[vBase+y*cStride:vBase+y*cStride+cw], b.V[y*b.StrideV:y*b.StrideV+cw])
		}
	}
	return size, nil
}

// FromImage converts any image into a tightly packed I420 buffer.
// *image.YCbCr with 4:2:0 subsampling and *image.RGBA take fast paths.
func FromImage(img image.Image) *I420Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := NewI420Buffer(w, h)

	switch src := img.(type) {
	case *image.YCbCr:
		if src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
			for y := 0; y < h; y++ {
				off := src.YOffset(bounds.Min.X, bounds.Min.Y+y)
				copy(out.Y[y*out.StrideY:], src.Y[off:off+w])
			}
			for y := 0; y < (h+1)/2; y++ {
				off := src.COffset(bounds.Min.X, bounds.Min.Y+2*y)
				copy(out.U[y*out.StrideU:], src.Cb[off:off+out.StrideU])
				copy(out.V[y*out.StrideV:], src.Cr[off:off+out.StrideV])
			}
			return out
		}
	case *image.RGBA:
		rgbaToI420(out, func(x, y int) (uint32, uint32, uint32) {
			i := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			p := src.Pix[i : i+3 : i+3]
			return uint32(p[0]), uint32(p[1]), uint32(p[2])
		})
		return out
	}

	rgbaToI420(out, func(x, y int) (uint32, uint32, uint32) {
		r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
		return r >> 8, g >> 8, b >> 8
	})
	return out
}

// rgbaToI420 fills out using BT.601 limited-range coefficients. Chroma is
// the average of each 2x2 block.
func rgbaToI420(out *I420Buffer, at func(x, y int) (r, g, b uint32)) {
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			r, g, b := at(x, y)
			out.Y[y*out.StrideY+x] = uint8((66*int(r)+129*int(g)+25*int(b)+128)>>8 + 16)
		}
	}
	for cy := 0; cy < (out.H+1)/2; cy++ {
		for cx := 0; cx < (out.W+1)/2; cx++ {
			var sr, sg, sb, n int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					x, y := 2*cx+dx, 2*cy+dy
					if x >= out.W || y >= out.H {
						continue
					}
					r, g, b := at(x, y)
					sr, sg, sb, n = sr+int(r), sg+int(g), sb+int(b), n+1
				}
			}
			r, g, b := sr/n, sg/n, sb/n
			out.U[cy*out.StrideU+cx] = uint8((-38*r-74*g+112*b+128)>>8 + 128)
			out.V[cy*out.StrideV+cx] = uint8((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
}

// YCbCr returns the buffer as an image.YCbCr. The planes are shared when
// both chroma planes use the same stride, and copied otherwise.
func (b *I420Buffer) YCbCr() *image.YCbCr {
	r := image.Rect(0, 0, b.W, b.H)
	if b.StrideU == b.StrideV {
		return &image.YCbCr{
			Y: b.Y, Cb: b.U, Cr: b.V,
			YStride: b.StrideY, CStride: b.StrideU,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           r,
		}
	}
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for y := 0; y < b.H; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+b.W], b.Y[y*b.StrideY:])
	}
	cw, ch := (b.W+1)/2, (b.H+1)/2
	for y := 0; y < ch; y++ {
		copy(img.Cb[y*img.CStride:y*img.CStride+cw], b.U[y*b.StrideU:])
		copy(img.Cr[y*img.CStride:y*img.CStride+cw], b.V[y*b.StrideV:])
	}
	return img
}
