// Package framestream connects the encoder to the outside world: Source
// turns a mediadevices video reader into encoder frames, and Distributor
// fans encoded output out to sinks.
package framestream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"golang.org/x/image/draw"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// Source reads images from a video.Reader and converts them to I420
// frames at the encode size.
type Source struct {
	reader video.Reader
	width  int
	height int
	scaler draw.Scaler
	now    func() time.Time
	logger encoderlog.Logger

	scratch  *image.RGBA
	sequence int64
}

type SourceOption func(*Source)

// WithSize scales every frame to width x height. Without it frames keep
// their native size, trimmed to even dimensions.
func WithSize(width, height int) SourceOption {
	return func(s *Source) {
		s.width, s.height = width, height
	}
}

// WithScaler picks the interpolator used for resizing.
func WithScaler(sc draw.Scaler) SourceOption {
	return func(s *Source) {
		if sc != nil {
			s.scaler = sc
		}
	}
}

func WithSourceClock(now func() time.Time) SourceOption {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSourceLogger(l encoderlog.Logger) SourceOption {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSource(r video.Reader, opts ...SourceOption) *Source {
	s := &Source{
		reader: r,
		scaler: draw.ApproxBiLinear,
		now:    time.Now,
		logger: encoderlog.L().Named("source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next reads one image and returns it as a frame stamped with the capture
// time. The reader's buffer is released before Next returns.
func (s *Source) Next() (*videoframe.Frame, error) {
	img, release, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	if release != nil {
		defer release()
	}
	if img == nil {
		return nil, fmt.Errorf("source returned no image")
	}
	captured := s.now()
	s.sequence++

	buf := videoframe.FromImage(s.fit(img))
	return videoframe.NewFrame(buf, 0, captured.UnixNano())
}

// fit scales or trims img to the target size.
func (s *Source) fit(img image.Image) image.Image {
	b := img.Bounds()
	w, h := s.width, s.height
	if w <= 0 || h <= 0 {
		w, h = b.Dx()&^1, b.Dy()&^1
	}
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	if s.width <= 0 && s.height <= 0 {
		// Odd native size: crop one row or column instead of resampling.
		if sub, ok := img.(interface {
			SubImage(r image.Rectangle) image.Image
		}); ok {
			return sub.SubImage(image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Min.Y+h))
		}
	}
	if s.scratch == nil || s.scratch.Bounds().Dx() != w || s.scratch.Bounds().Dy() != h {
		s.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	s.scaler.Scale(s.scratch, s.scratch.Bounds(), img, b, draw.Src, nil)
	return s.scratch
}

// Run feeds frames to handle until ctx is cancelled or the reader ends.
// Read errors other than io.EOF are logged and retried after a short pause.
func (s *Source) Run(ctx context.Context, handle func(*videoframe.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			s.logger.Warn("error reading frame", encoderlog.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		handle(frame)
	}
}

// Sequence is the number of frames read so far.
func (s *Source) Sequence() int64 { return s.sequence }

// OpenCamera opens the first camera matching deviceID (any camera when
// empty) through mediadevices and returns a raw frame reader. Callers must
// register a driver, for example by importing
// github.com/pion/mediadevices/pkg/driver/videotest.
func OpenCamera(deviceID string, width, height int, fps float64) (video.Reader, func(), error) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(fps)
		},
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user media: %w", err)
	}

	closeAll := func() {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeAll()
		return nil, nil, fmt.Errorf("no video tracks available")
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		closeAll()
		return nil, nil, fmt.Errorf("track is not a VideoTrack: %T", tracks[0])
	}
	return vt.NewReader(false), closeAll, nil
}
