// Package encoder drives a platform hardware video encoder: it submits
// frames through a surface or a pixel buffer, drains compressed output on a
// dedicated goroutine, adapts bitrate and keyframe cadence, and recovers a
// stalled codec.
package encoder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// Status is the result vocabulary of every encoder operation.
type Status int

const (
	StatusOK Status = iota
	// StatusNoOutput means the frame was legitimately dropped.
	StatusNoOutput
	StatusError
	StatusErrSize
	StatusErrParameter
	StatusTimeout
	StatusUninitialized
	// StatusFallbackSoftware means no hardware session could be created; the
	// caller should substitute a software encoder.
	StatusFallbackSoftware
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoOutput:
		return "NO_OUTPUT"
	case StatusError:
		return "ERROR"
	case StatusErrSize:
		return "ERR_SIZE"
	case StatusErrParameter:
		return "ERR_PARAMETER"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusFallbackSoftware:
		return "FALLBACK_SOFTWARE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is the encoder session lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateConfiguring
	StateRunning
	StateStuck
	StateResetting
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStuck:
		return "stuck"
	case StateResetting:
		return "resetting"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// FrameType classifies encoded frames and keyframe requests.
type FrameType int

const (
	FrameTypeDelta FrameType = iota
	FrameTypeKey
)

func (t FrameType) String() string {
	if t == FrameTypeKey {
		return "key"
	}
	return "delta"
}

// Capabilities are negotiated encoder features.
type Capabilities struct {
	LossNotification bool
}

// Settings configure one encode session. They are immutable after
// InitEncode; a size or input mode change resets the session.
type Settings struct {
	Width               int
	Height              int
	StartBitrate        int // bps
	MaxFramerate        float64
	AutomaticResize     bool
	NumSimulcastStreams int
	Capabilities        Capabilities
}

// EncodedFrame is one compressed picture. The payload stays valid until the
// last reference is released; for most frames it aliases a hardware output
// buffer that the codec cannot reuse until then.
type EncodedFrame struct {
	Buffer        []byte
	Width         int
	Height        int
	CaptureTimeNs int64
	FrameType     FrameType
	Rotation      int
	// QP is the frame quantizer, -1 when the codec does not report it.
	QP int

	refs    atomic.Int32
	once    sync.Once
	release func()
}

func newEncodedFrame(payload []byte, release func()) *EncodedFrame {
	f := &EncodedFrame{Buffer: payload, QP: -1, release: release}
	f.refs.Store(1)
	return f
}

// NewEncodedFrame builds a frame for encoders outside this package, such as
// a software fallback. release may be nil.
func NewEncodedFrame(payload []byte, release func()) *EncodedFrame {
	return newEncodedFrame(payload, release)
}

// Retain adds a reference for an additional consumer.
func (f *EncodedFrame) Retain() {
	f.refs.Add(1)
}

// Release drops one reference. The last release returns the buffer.
func (f *EncodedFrame) Release() {
	if f.refs.Add(-1) != 0 {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// IsKey reports whether the frame is independently decodable.
func (f *EncodedFrame) IsKey() bool { return f.FrameType == FrameTypeKey }

// Callback receives encoded frames on the encoder's delivery goroutine.
// Implementations must not block for long and must release every frame.
type Callback interface {
	OnEncodedFrame(frame *EncodedFrame)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(frame *EncodedFrame)

func (f CallbackFunc) OnEncodedFrame(frame *EncodedFrame) { f(frame) }

// VideoEncoder is implemented by the hardware encoder and any software
// substitute the caller falls back to.
type VideoEncoder interface {
	InitEncode(settings Settings, callback Callback) Status
	Encode(frame *videoframe.Frame, frameTypes []FrameType) Status
	SetRates(bitrateBps int, framerate float64) Status
	Release() Status
	GetPendingInputFrames() int
	ImplementationName() string
}

// MimeReporter is implemented by encoders that know the payload format
// they emit.
type MimeReporter interface {
	OutputMime() string
}

// CodecError is a fault raised by the platform codec.
type CodecError struct {
	Op  string
	Err error
	// Fatal marks a session that can no longer be used.
	Fatal bool
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v (fatal: %v)", e.Op, e.Err, e.Fatal)
}

func (e *CodecError) Unwrap() error { return e.Err }

func codecError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{Op: op, Err: err, Fatal: errors.Is(err, mediacodec.ErrIllegalState)}
}

var errReleaseTimeout = errors.New("timed out waiting for encoder teardown")
