package sink

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
)

// TrackConfig describes the local WebRTC track.
type TrackConfig struct {
	Mime      string
	TrackID   string
	StreamID  string
	FrameRate float64
}

// TrackSink writes encoded frames as samples on a TrackLocalStaticSample.
// Add Track() to a PeerConnection to send them.
type TrackSink struct {
	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	clock  frameClock
	closed bool
	mime   string
	logger encoderlog.Logger

	samples int64
	bytes   int64
}

func NewTrackSink(cfg TrackConfig, logger encoderlog.Logger) (*TrackSink, error) {
	mime, err := webrtcMime(cfg.Mime)
	if err != nil {
		return nil, err
	}
	if cfg.TrackID == "" {
		cfg.TrackID = "video"
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "hwvideo"
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  mime,
		ClockRate: 90000,
	}, cfg.TrackID, cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	if logger == nil {
		logger = encoderlog.L()
	}
	return &TrackSink{
		track:  track,
		clock:  newFrameClock(cfg.FrameRate),
		mime:   cfg.Mime,
		logger: logger.Named("track").With(encoderlog.String("track_id", cfg.TrackID)),
	}, nil
}

func (s *TrackSink) Track() *webrtc.TrackLocalStaticSample { return s.track }

func (s *TrackSink) Name() string { return "webrtc:" + s.track.ID() }

func (s *TrackSink) Mime() string { return s.mime }

func (s *TrackSink) WriteFrame(frame *encoder.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("track sink closed")
	}
	if len(frame.Buffer) == 0 {
		return nil
	}
	err := s.track.WriteSample(media.Sample{
		Data:     frame.Buffer,
		Duration: s.clock.next(frame.CaptureTimeNs),
	})
	if err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	s.samples++
	s.bytes += int64(len(frame.Buffer))
	return nil
}

// Samples returns the number of samples and payload bytes written.
func (s *TrackSink) Samples() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples, s.bytes
}

func (s *TrackSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("track sink closed",
		encoderlog.Int64("samples", s.samples),
		encoderlog.Int64("bytes", s.bytes))
	return nil
}
