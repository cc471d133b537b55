package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

const (
	DefaultMTU       = 1200
	videoClockRate   = 90000
	defaultVideoType = 96
)

// RTPConfig configures the packetizer. A zero SSRC is replaced with a
// random one.
type RTPConfig struct {
	Mime        string
	MTU         int
	PayloadType uint8
	SSRC        uint32
	FrameRate   float64
}

// RTPSink packetizes encoded frames and writes each packet to w as one
// Write call, which maps onto a datagram when w is a UDP connection.
type RTPSink struct {
	mu         sync.Mutex
	w          io.Writer
	packetizer rtp.Packetizer
	clock      frameClock
	ssrc       uint32
	mime       string
	logger     encoderlog.Logger

	packets int64
}

func payloaderFor(mime string) (rtp.Payloader, error) {
	switch mime {
	case mediacodec.MimeH264:
		return &codecs.H264Payloader{}, nil
	case mediacodec.MimeVP8:
		return &codecs.VP8Payloader{}, nil
	case mediacodec.MimeVP9:
		return &codecs.VP9Payloader{}, nil
	case mediacodec.MimeAV1:
		return &codecs.AV1Payloader{}, nil
	default:
		return nil, fmt.Errorf("no rtp payloader for %q", mime)
	}
}

func NewRTPSink(w io.Writer, cfg RTPConfig, logger encoderlog.Logger) (*RTPSink, error) {
	payloader, err := payloaderFor(cfg.Mime)
	if err != nil {
		return nil, err
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = defaultVideoType
	}
	if cfg.SSRC == 0 {
		id := uuid.New()
		cfg.SSRC = binary.BigEndian.Uint32(id[:4])
	}
	if logger == nil {
		logger = encoderlog.L()
	}
	return &RTPSink{
		w: w,
		packetizer: rtp.NewPacketizer(uint16(cfg.MTU), cfg.PayloadType, cfg.SSRC,
			payloader, rtp.NewRandomSequencer(), videoClockRate),
		clock:  newFrameClock(cfg.FrameRate),
		ssrc:   cfg.SSRC,
		mime:   cfg.Mime,
		logger: logger.Named("rtp").With(encoderlog.Uint64("ssrc", uint64(cfg.SSRC))),
	}, nil
}

func (s *RTPSink) Name() string { return fmt.Sprintf("rtp:%08x", s.ssrc) }

func (s *RTPSink) SSRC() uint32 { return s.ssrc }

// Mime is the codec the payloader was built for.
func (s *RTPSink) Mime() string { return s.mime }

// WriteFrame splits the frame into packets. The RTP timestamp advances by
// the frame's duration in 90 kHz units.
func (s *RTPSink) WriteFrame(frame *encoder.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(frame.Buffer) == 0 {
		return nil
	}
	d := s.clock.next(frame.CaptureTimeNs)
	samples := uint32(math.Round(d.Seconds() * videoClockRate))
	for _, pkt := range s.packetizer.Packetize(frame.Buffer, samples) {
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal rtp packet: %w", err)
		}
		if _, err := s.w.Write(raw); err != nil {
			return fmt.Errorf("failed to write rtp packet: %w", err)
		}
		s.packets++
	}
	return nil
}

func (s *RTPSink) Packets() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Close closes the underlying writer when it is an io.Closer.
func (s *RTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("rtp sink closed", encoderlog.Int64("packets", s.packets))
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
