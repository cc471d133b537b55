// Package mediacodec is the boundary to a platform hardware codec. It mirrors
// the asynchronous submit/drain buffer protocol hardware encoders expose:
// configure, start, dequeue and queue input, dequeue and release output,
// live parameter updates, flush, stop and release.
package mediacodec

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalState is returned by a codec whose session is no longer usable.
var ErrIllegalState = errors.New("codec in illegal state")

// ErrCodecUnavailable is returned by a Factory that cannot create a codec.
var ErrCodecUnavailable = errors.New("codec unavailable")

// ErrInvalidFormat is returned by Configure for a format the codec rejects.
// Retrying with the same format never helps.
var ErrInvalidFormat = errors.New("invalid codec format")

// Dequeue sentinels returned in place of a buffer index.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// BufferFlag annotates a queued or dequeued buffer.
type BufferFlag int

const (
	FlagKeyFrame    BufferFlag = 1
	FlagCodecConfig BufferFlag = 2
	FlagEndOfStream BufferFlag = 4
)

// BufferInfo describes a dequeued output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag
}

// ColorFormat is the input pixel format a session is configured with.
type ColorFormat int

const (
	ColorFormatSurface ColorFormat = iota + 1
	ColorFormatYUV420Planar
	ColorFormatYUV420SemiPlanar
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatSurface:
		return "surface"
	case ColorFormatYUV420Planar:
		return "yuv420-planar"
	case ColorFormatYUV420SemiPlanar:
		return "yuv420-semiplanar"
	default:
		return fmt.Sprintf("color-format(%d)", int(c))
	}
}

// BitrateMode selects the codec's rate control.
type BitrateMode int

const (
	BitrateModeCBR BitrateMode = iota
	BitrateModeVBR
)

// Mime types for supported codecs.
const (
	MimeH264 = "video/avc"
	MimeH265 = "video/hevc"
	MimeVP8  = "video/x-vnd.on2.vp8"
	MimeVP9  = "video/x-vnd.on2.vp9"
	MimeAV1  = "video/av01"
)

// Format is the configuration handed to Configure, and the shape reported
// back by InputFormat and OutputFormat.
type Format struct {
	Mime                string
	Width               int
	Height              int
	Bitrate             int
	BitrateMode         BitrateMode
	FrameRate           float64
	KeyFrameIntervalSec int
	ColorFormat         ColorFormat
	Profile             int
	Level               int

	// Stride and SliceHeight are only meaningful on a reported input format.
	Stride      int
	SliceHeight int
}

// ConfigureFlag modifies Configure.
type ConfigureFlag int

const ConfigureEncode ConfigureFlag = 1

// Params is a live parameter update. Zero fields are left unchanged.
type Params struct {
	VideoBitrate     int
	RequestSyncFrame bool
}

// Surface is an input surface a GPU context renders into.
type Surface interface {
	Release()
}

// Codec is one hardware codec session. Methods may be called from the
// submitting goroutine and the draining goroutine concurrently, as the
// platform allows.
type Codec interface {
	Name() string
	Configure(format Format, flags ConfigureFlag) error
	// CreateInputSurface must be called after Configure and before Start
	// when ColorFormatSurface was configured.
	CreateInputSurface() (Surface, error)
	Start() error

	// DequeueInputBuffer returns a buffer index or InfoTryAgainLater.
	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags BufferFlag) error
	InputFormat() (Format, error)

	// DequeueOutputBuffer returns a buffer index, InfoTryAgainLater or
	// InfoOutputFormatChanged.
	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	OutputBuffer(index int) ([]byte, error)
	ReleaseOutputBuffer(index int) error
	OutputFormat() (Format, error)

	SetParameters(p Params) error
	Flush() error
	Stop() error
	Release() error
}

// Factory creates codec sessions by component name.
type Factory interface {
	CreateByCodecName(name string) (Codec, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(name string) (Codec, error)

func (f FactoryFunc) CreateByCodecName(name string) (Codec, error) { return f(name) }
