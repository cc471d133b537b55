package encoder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// session wraps one platform codec. Every call that can fault returns a
// *CodecError so the encoder can decide between a status and a reset.
type session struct {
	codec   mediacodec.Codec
	surface mediacodec.Surface

	layoutMu sync.RWMutex
	layout   videoframe.Layout

	// outMu orders output-side calls against teardown. Once released is
	// set the codec is never touched again.
	outMu       sync.Mutex
	released    bool
	releaseOnce sync.Once
	releaseErr  error
}

var errSessionReleased = fmt.Errorf("session released: %w", mediacodec.ErrIllegalState)

// openSession creates, configures and starts a codec, retrying transient
// failures with exponential backoff. A rejected format is not retried.
func openSession(factory mediacodec.Factory, cfg Config, format mediacodec.Format, logger encoderlog.Logger) (*session, error) {
	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = cfg.SessionRetryInterval
		ebo.MaxInterval = 10 * cfg.SessionRetryInterval
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(cfg.SessionRetries))
	}

	var s *session
	attempt := 0
	op := func() error {
		attempt++
		codec, err := factory.CreateByCodecName(cfg.CodecName)
		if err != nil {
			logger.Warn("codec create failed",
				encoderlog.String("codec", cfg.CodecName),
				encoderlog.Int("attempt", attempt),
				encoderlog.Error(err))
			return codecError("create", err)
		}
		s, err = startSession(codec, format)
		if err != nil {
			if rerr := codec.Release(); rerr != nil {
				logger.Debug("release after failed start", encoderlog.Error(rerr))
			}
			logger.Warn("codec start failed",
				encoderlog.String("codec", cfg.CodecName),
				encoderlog.Int("attempt", attempt),
				encoderlog.Error(err))
			if errors.Is(err, mediacodec.ErrInvalidFormat) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, newBackoff()); err != nil {
		return nil, err
	}
	return s, nil
}

func startSession(codec mediacodec.Codec, format mediacodec.Format) (*session, error) {
	if err := codec.Configure(format, mediacodec.ConfigureEncode); err != nil {
		return nil, codecError("configure", err)
	}
	s := &session{codec: codec}
	if format.ColorFormat == mediacodec.ColorFormatSurface {
		surface, err := codec.CreateInputSurface()
		if err != nil {
			return nil, codecError("create input surface", err)
		}
		s.surface = surface
	}
	if err := codec.Start(); err != nil {
		if s.surface != nil {
			s.surface.Release()
		}
		return nil, codecError("start", err)
	}
	if format.ColorFormat != mediacodec.ColorFormatSurface {
		if err := s.refreshLayout(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *session) name() string { return s.codec.Name() }

// refreshLayout re-reads stride and slice height from the input format.
func (s *session) refreshLayout() error {
	f, err := s.codec.InputFormat()
	if err != nil {
		return codecError("input format", err)
	}
	l := videoframe.Layout{Format: videoframe.Planar, Stride: f.Stride, SliceHeight: f.SliceHeight}
	if f.ColorFormat == mediacodec.ColorFormatYUV420SemiPlanar {
		l.Format = videoframe.SemiPlanar
	}
	if l.Stride <= 0 {
		l.Stride = f.Width
	}
	if l.SliceHeight <= 0 {
		l.SliceHeight = f.Height
	}
	s.layoutMu.Lock()
	s.layout = l
	s.layoutMu.Unlock()
	return nil
}

func (s *session) inputLayout() videoframe.Layout {
	s.layoutMu.RLock()
	defer s.layoutMu.RUnlock()
	return s.layout
}

func (s *session) dequeueInput() (int, error) {
	idx, err := s.codec.DequeueInputBuffer(0)
	return idx, codecError("dequeue input", err)
}

func (s *session) inputBuffer(idx int) ([]byte, error) {
	buf, err := s.codec.InputBuffer(idx)
	return buf, codecError("input buffer", err)
}

func (s *session) queueInput(idx, size int, ptsUs int64) error {
	return codecError("queue input", s.codec.QueueInputBuffer(idx, 0, size, ptsUs, 0))
}

func (s *session) dequeueOutput(info *mediacodec.BufferInfo, timeout time.Duration) (int, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.released {
		return 0, codecError("dequeue output", errSessionReleased)
	}
	idx, err := s.codec.DequeueOutputBuffer(info, timeout)
	return idx, codecError("dequeue output", err)
}

func (s *session) outputBuffer(idx int) ([]byte, error) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.released {
		return nil, codecError("output buffer", errSessionReleased)
	}
	buf, err := s.codec.OutputBuffer(idx)
	return buf, codecError("output buffer", err)
}

// releaseOutput may be called by a consumer after teardown.
func (s *session) releaseOutput(idx int) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.released {
		return codecError("release output", errSessionReleased)
	}
	return codecError("release output", s.codec.ReleaseOutputBuffer(idx))
}

func (s *session) setBitrate(bps int) error {
	return codecError("set bitrate", s.codec.SetParameters(mediacodec.Params{VideoBitrate: bps}))
}

func (s *session) requestKeyFrame() error {
	return codecError("request sync frame", s.codec.SetParameters(mediacodec.Params{RequestSyncFrame: true}))
}

// stopAndRelease is idempotent. The codec handle is released even when
// stop fails. It waits for an in-flight output dequeue, which is bounded by
// the dequeue timeout.
func (s *session) stopAndRelease() error {
	s.releaseOnce.Do(func() {
		s.outMu.Lock()
		defer s.outMu.Unlock()
		s.released = true
		stopErr := codecError("stop", s.codec.Stop())
		releaseErr := codecError("release", s.codec.Release())
		if s.surface != nil {
			s.surface.Release()
		}
		s.releaseErr = errors.Join(stopErr, releaseErr)
	})
	return s.releaseErr
}
