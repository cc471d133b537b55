package pipeline

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"math"
	"sync"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

const defaultJPEGQuality = 70

// MimeJPEG is the payload format of SoftwareEncoder.
const MimeJPEG = "image/jpeg"

// SoftwareEncoder is the CPU substitute used when no hardware session can
// be opened. Every frame is an independent JPEG, so every frame is a key
// frame and output is delivered synchronously from Encode.
type SoftwareEncoder struct {
	mu       sync.Mutex
	settings encoder.Settings
	callback encoder.Callback
	quality  int
	state    encoder.State
	logger   encoderlog.Logger

	frames int64
	bytes  int64
}

func NewSoftwareEncoder(logger encoderlog.Logger) *SoftwareEncoder {
	if logger == nil {
		logger = encoderlog.L()
	}
	return &SoftwareEncoder{
		quality: defaultJPEGQuality,
		logger:  logger.Named("sw-encoder"),
	}
}

func (s *SoftwareEncoder) InitEncode(settings encoder.Settings, callback encoder.Callback) encoder.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case encoder.StateUninitialized:
	default:
		return encoder.StatusError
	}
	if callback == nil || settings.StartBitrate <= 0 || settings.MaxFramerate <= 0 {
		return encoder.StatusErrParameter
	}
	if err := videoframe.CheckAlignment(settings.Width, settings.Height); err != nil {
		return encoder.StatusErrSize
	}
	s.settings = settings
	s.callback = callback
	s.quality = qualityFor(settings.StartBitrate, settings.MaxFramerate, settings.Width, settings.Height)
	s.state = encoder.StateRunning
	s.logger.Info("software encoder started",
		encoderlog.Int("width", settings.Width),
		encoderlog.Int("height", settings.Height),
		encoderlog.Int("quality", s.quality))
	return encoder.StatusOK
}

// qualityFor maps bits per pixel onto a JPEG quality.
func qualityFor(bps int, fps float64, w, h int) int {
	if w <= 0 || h <= 0 || fps <= 0 {
		return defaultJPEGQuality
	}
	bpp := float64(bps) / (float64(w*h) * fps)
	q := int(math.Round(40 + 200*bpp))
	return max(10, min(q, 95))
}

func (s *SoftwareEncoder) Encode(frame *videoframe.Frame, _ []encoder.FrameType) encoder.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frame == nil || frame.Buffer == nil {
		return encoder.StatusErrParameter
	}
	if s.state != encoder.StateRunning {
		return encoder.StatusUninitialized
	}
	if err := videoframe.CheckAlignment(frame.Width(), frame.Height()); err != nil {
		return encoder.StatusErrSize
	}

	payload, err := s.encodeJPEG(frame.Buffer)
	if err != nil {
		s.logger.Warn("software encode failed", encoderlog.Error(err))
		return encoder.StatusError
	}
	out := encoder.NewEncodedFrame(payload, nil)
	out.Width, out.Height = frame.Width(), frame.Height()
	out.CaptureTimeNs = frame.TimestampNs
	out.Rotation = frame.Rotation
	out.FrameType = encoder.FrameTypeKey
	s.frames++
	s.bytes += int64(len(payload))
	s.callback.OnEncodedFrame(out)
	return encoder.StatusOK
}

func (s *SoftwareEncoder) encodeJPEG(buf videoframe.Buffer) ([]byte, error) {
	var i420 *videoframe.I420Buffer
	switch b := buf.(type) {
	case *videoframe.I420Buffer:
		i420 = b
	case *videoframe.TextureBuffer:
		converted, err := b.ToI420()
		if err != nil {
			return nil, fmt.Errorf("texture readback: %w", err)
		}
		defer converted.Release()
		i420 = converted
	default:
		return nil, fmt.Errorf("unsupported buffer %T", buf)
	}

	var w bytes.Buffer
	if err := jpeg.Encode(&w, i420.YCbCr(), &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return w.Bytes(), nil
}

func (s *SoftwareEncoder) SetRates(bitrateBps int, framerate float64) encoder.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bitrateBps <= 0 || framerate <= 0 || math.IsNaN(framerate) || math.IsInf(framerate, 0) {
		return encoder.StatusErrParameter
	}
	if s.state != encoder.StateRunning {
		return encoder.StatusUninitialized
	}
	s.quality = qualityFor(bitrateBps, framerate, s.settings.Width, s.settings.Height)
	return encoder.StatusOK
}

func (s *SoftwareEncoder) Release() encoder.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == encoder.StateReleased {
		return encoder.StatusOK
	}
	s.state = encoder.StateReleased
	s.logger.Info("software encoder released",
		encoderlog.Int64("frames", s.frames),
		encoderlog.Int64("bytes", s.bytes))
	return encoder.StatusOK
}

// GetPendingInputFrames is always zero; Encode completes synchronously.
func (s *SoftwareEncoder) GetPendingInputFrames() int { return 0 }

func (s *SoftwareEncoder) ImplementationName() string { return "SWEncoder:jpeg" }

func (s *SoftwareEncoder) OutputMime() string { return MimeJPEG }
