package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// WebMConfig describes the recorded video track.
type WebMConfig struct {
	Mime      string
	FrameRate float64
}

// WebMSink records encoded frames into a WebM container. The writer is
// opened on the first key frame, which fixes the track dimensions.
type WebMSink struct {
	mu      sync.Mutex
	out     io.WriteCloser
	codecID string
	cfg     WebMConfig
	writer  webm.BlockWriteCloser
	baseNs  int64
	path    string
	closed  bool
	logger  encoderlog.Logger

	blocks int64
}

func matroskaCodecID(mime string) (string, error) {
	switch mime {
	case mediacodec.MimeH264:
		return "V_MPEG4/ISO/AVC", nil
	case mediacodec.MimeH265:
		return "V_MPEGH/ISO/HEVC", nil
	case mediacodec.MimeVP8:
		return "V_VP8", nil
	case mediacodec.MimeVP9:
		return "V_VP9", nil
	case mediacodec.MimeAV1:
		return "V_AV1", nil
	default:
		return "", fmt.Errorf("no matroska codec id for %q", mime)
	}
}

// NewWebMSink records into out, which is closed with the sink.
func NewWebMSink(out io.WriteCloser, cfg WebMConfig, logger encoderlog.Logger) (*WebMSink, error) {
	codecID, err := matroskaCodecID(cfg.Mime)
	if err != nil {
		return nil, err
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if logger == nil {
		logger = encoderlog.L()
	}
	return &WebMSink{
		out:     out,
		codecID: codecID,
		cfg:     cfg,
		logger:  logger.Named("webm"),
	}, nil
}

// NewWebMFileSink creates dir if needed and records into a timestamped file
// inside it.
func NewWebMFileSink(dir string, cfg WebMConfig, logger encoderlog.Logger) (*WebMSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("recording_%s.webm", time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	s, err := NewWebMSink(file, cfg, logger)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	s.path = path
	s.logger = s.logger.With(encoderlog.String("path", path))
	return s, nil
}

func (s *WebMSink) Name() string {
	if s.path != "" {
		return "webm:" + filepath.Base(s.path)
	}
	return "webm"
}

func (s *WebMSink) Mime() string { return s.cfg.Mime }

// Path is the recording file, empty when recording to a plain writer.
func (s *WebMSink) Path() string { return s.path }

func (s *WebMSink) open(frame *encoder.EncodedFrame) error {
	ws, err := webm.NewSimpleBlockWriter(s.out,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        1,
				CodecID:         s.codecID,
				TrackType:       1,
				DefaultDuration: uint64(float64(time.Second) / s.cfg.FrameRate),
				Video: &webm.Video{
					PixelWidth:  uint64(frame.Width),
					PixelHeight: uint64(frame.Height),
				},
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create WebM writer: %w", err)
	}
	s.writer = ws[0]
	s.baseNs = frame.CaptureTimeNs
	s.logger.Info("recording started",
		encoderlog.String("codec", s.codecID),
		encoderlog.Int("width", frame.Width),
		encoderlog.Int("height", frame.Height))
	return nil
}

// WriteFrame appends one SimpleBlock with a millisecond timecode relative to
// the first recorded frame. Frames before the first key frame are skipped.
func (s *WebMSink) WriteFrame(frame *encoder.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("webm sink closed")
	}
	if s.writer == nil {
		if !frame.IsKey() {
			return nil
		}
		if err := s.open(frame); err != nil {
			return err
		}
	}
	tsMs := (frame.CaptureTimeNs - s.baseNs) / int64(time.Millisecond)
	if tsMs < 0 {
		tsMs = 0
	}
	if _, err := s.writer.Write(frame.IsKey(), tsMs, frame.Buffer); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	s.blocks++
	return nil
}

func (s *WebMSink) Blocks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks
}

// Close finalizes the container. A file recording with no frames is
// removed.
func (s *WebMSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.writer != nil {
		// The block writer closes the underlying output.
		err = s.writer.Close()
	} else {
		err = s.out.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to close WebM writer: %w", err)
	}

	if s.path == "" {
		return nil
	}
	if s.blocks == 0 {
		os.Remove(s.path)
		s.logger.Warn("recording removed, no frames written")
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to verify recording file: %w", err)
	}
	s.logger.Info("recording saved",
		encoderlog.Int64("bytes", info.Size()),
		encoderlog.Int64("blocks", s.blocks))
	return nil
}
