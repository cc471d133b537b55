package encoder

import (
	"time"

	"github.com/mikeyg42/hwvideo/internal/bitrate"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// Config tunes a HardwareVideoEncoder. Thresholds are empirical; none of
// them are load-bearing beyond their ordering.
type Config struct {
	CodecName string
	Mime      string
	// ColorFormats the codec accepts, in preference order. Surface mode is
	// only possible when ColorFormatSurface is listed.
	ColorFormats []mediacodec.ColorFormat
	BitrateMode  mediacodec.BitrateMode
	Adjuster     bitrate.Kind

	// KeyFrameInterval is the codec's own GOP length.
	KeyFrameInterval time.Duration
	// ForcedKeyFrameInterval requests a keyframe when this long has passed
	// since the last one. Zero disables it.
	ForcedKeyFrameInterval time.Duration

	MaxPendingFrames      int
	ModeMismatchThreshold int
	StallTimeout          time.Duration
	StuckResetThreshold   int

	DequeueOutputTimeout time.Duration
	ReleaseTimeout       time.Duration
	// DeliveryQueue bounds encoded frames waiting for the callback.
	DeliveryQueue int

	SessionRetries       int
	SessionRetryInterval time.Duration
}

// DefaultConfig returns the tuning used on typical hardware.
func DefaultConfig() Config {
	return Config{
		CodecName: "sim.video.encoder",
		Mime:      mediacodec.MimeH264,
		ColorFormats: []mediacodec.ColorFormat{
			mediacodec.ColorFormatSurface,
			mediacodec.ColorFormatYUV420Planar,
		},
		BitrateMode:            mediacodec.BitrateModeCBR,
		Adjuster:               bitrate.KindBase,
		KeyFrameInterval:       time.Hour,
		ForcedKeyFrameInterval: 0,
		MaxPendingFrames:       6,
		ModeMismatchThreshold:  5,
		StallTimeout:           1500 * time.Millisecond,
		StuckResetThreshold:    3,
		DequeueOutputTimeout:   100 * time.Millisecond,
		ReleaseTimeout:         5 * time.Second,
		DeliveryQueue:          2,
		SessionRetries:         2,
		SessionRetryInterval:   50 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CodecName == "" {
		c.CodecName = d.CodecName
	}
	if c.Mime == "" {
		c.Mime = d.Mime
	}
	if len(c.ColorFormats) == 0 {
		c.ColorFormats = d.ColorFormats
	}
	if c.KeyFrameInterval <= 0 {
		c.KeyFrameInterval = d.KeyFrameInterval
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = d.MaxPendingFrames
	}
	if c.ModeMismatchThreshold <= 0 {
		c.ModeMismatchThreshold = d.ModeMismatchThreshold
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.StuckResetThreshold <= 0 {
		c.StuckResetThreshold = d.StuckResetThreshold
	}
	if c.DequeueOutputTimeout <= 0 {
		c.DequeueOutputTimeout = d.DequeueOutputTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = d.DeliveryQueue
	}
	if c.SessionRetries < 0 {
		c.SessionRetries = 0
	}
	if c.SessionRetryInterval <= 0 {
		c.SessionRetryInterval = d.SessionRetryInterval
	}
	return c
}

func (c Config) supportsSurface() bool {
	for _, f := range c.ColorFormats {
		if f == mediacodec.ColorFormatSurface {
			return true
		}
	}
	return false
}

// yuvColorFormat returns the first CPU color format, or 0 when none.
func (c Config) yuvColorFormat() mediacodec.ColorFormat {
	for _, f := range c.ColorFormats {
		if f == mediacodec.ColorFormatYUV420Planar || f == mediacodec.ColorFormatYUV420SemiPlanar {
			return f
		}
	}
	return 0
}
