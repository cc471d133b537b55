//go:build gstreamer

package gstcodec

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gst/go-gst/gst"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

func TestX264EncodesFrames(t *testing.T) {
	f := NewFactory(encoderlog.NewZap(zaptest.NewLogger(t)))
	if _, err := gst.NewElement("x264enc"); err != nil {
		t.Skip("x264enc not installed")
	}
	c, err := f.CreateByCodecName(NamePrefix + "x264enc")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release()

	format := mediacodec.Format{
		Mime: mediacodec.MimeH264, Width: 64, Height: 48, Bitrate: 200_000, FrameRate: 30,
		KeyFrameIntervalSec: 1, ColorFormat: mediacodec.ColorFormatYUV420Planar,
	}
	if err := c.Configure(format, mediacodec.ConfigureEncode); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	in, err := c.InputFormat()
	if err != nil || in.Stride != 64 || in.SliceHeight != 48 {
		t.Fatalf("input format %+v, %v", in, err)
	}

	for i := 0; i < 5; i++ {
		idx, err := c.DequeueInputBuffer(10 * time.Millisecond)
		if err != nil || idx < 0 {
			t.Fatalf("dequeue input: %d %v", idx, err)
		}
		buf, _ := c.InputBuffer(idx)
		for j := range buf {
			buf[j] = byte(i * 16)
		}
		var flags mediacodec.BufferFlag
		if i == 4 {
			// Ends the stream so the encoder flushes any lookahead.
			flags = mediacodec.FlagEndOfStream
		}
		if err := c.QueueInputBuffer(idx, 0, len(buf), int64(i)*33_333, flags); err != nil {
			t.Fatal(err)
		}
	}

	var info mediacodec.BufferInfo
	sawFormat, sawKey := false, false
	deadline := time.Now().Add(5 * time.Second)
	for !sawKey && time.Now().Before(deadline) {
		idx, err := c.DequeueOutputBuffer(&info, 100*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case idx == mediacodec.InfoOutputFormatChanged:
			sawFormat = true
		case idx >= 0:
			if info.Flags&mediacodec.FlagKeyFrame != 0 && info.Size > 0 {
				sawKey = true
			}
			if err := c.ReleaseOutputBuffer(idx); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !sawFormat || !sawKey {
		t.Fatalf("format changed %v, key frame %v", sawFormat, sawKey)
	}

	if err := c.SetParameters(mediacodec.Params{VideoBitrate: 100_000, RequestSyncFrame: true}); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DequeueInputBuffer(0); !errors.Is(err, mediacodec.ErrIllegalState) {
		t.Fatalf("dequeue after stop: %v", err)
	}
}

func TestSurfaceInputRejected(t *testing.T) {
	c, err := NewFactory(nil).CreateByCodecName("any")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateInputSurface(); !errors.Is(err, mediacodec.ErrInvalidFormat) {
		t.Fatalf("surface: %v", err)
	}
}
