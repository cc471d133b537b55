// Package sink holds framestream.Sink implementations: a WebRTC sample
// track, a raw RTP packet writer and a WebM recorder.
package sink

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// webrtcMime maps a codec mime type to its WebRTC name.
func webrtcMime(mime string) (string, error) {
	switch mime {
	case mediacodec.MimeH264:
		return webrtc.MimeTypeH264, nil
	case mediacodec.MimeVP8:
		return webrtc.MimeTypeVP8, nil
	case mediacodec.MimeVP9:
		return webrtc.MimeTypeVP9, nil
	case mediacodec.MimeAV1:
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("no webrtc mapping for %q", mime)
	}
}

// frameClock turns capture timestamps into per-frame durations. The first
// frame, and any frame whose timestamp does not advance, gets the nominal
// interval.
type frameClock struct {
	nominal time.Duration
	lastNs  int64
	started bool
}

func newFrameClock(fps float64) frameClock {
	if fps <= 0 {
		fps = 30
	}
	return frameClock{nominal: time.Duration(float64(time.Second) / fps)}
}

func (c *frameClock) next(captureNs int64) time.Duration {
	d := c.nominal
	if c.started && captureNs > c.lastNs {
		d = time.Duration(captureNs - c.lastNs)
	}
	c.lastNs = captureNs
	c.started = true
	return d
}
