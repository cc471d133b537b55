// Package config loads the pipeline configuration from YAML and maps it
// onto the encoder, backpressure and sink configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/hwvideo/internal/backpressure"
	"github.com/mikeyg42/hwvideo/internal/bitrate"
	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/quality"
)

// Config holds all application configuration
type Config struct {
	Encoder      EncoderConfig      `yaml:"encoder"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Video        VideoConfig        `yaml:"video"`
	Sinks        SinksConfig        `yaml:"sinks"`
	Log          LogConfig          `yaml:"log"`
}

type EncoderConfig struct {
	// Codec is one of h264, h265, vp8, vp9, av1.
	Codec     string `yaml:"codec"`
	CodecName string `yaml:"codec_name"`
	// Adjuster is base, dynamic or framerate. Empty picks the codec default.
	Adjuster     string   `yaml:"adjuster"`
	ColorFormats []string `yaml:"color_formats"`
	BitrateMode  string   `yaml:"bitrate_mode"`

	KeyFrameInterval       time.Duration `yaml:"key_frame_interval"`
	ForcedKeyFrameInterval time.Duration `yaml:"forced_key_frame_interval"`

	MaxPendingFrames      int           `yaml:"max_pending_frames"`
	ModeMismatchThreshold int           `yaml:"mode_mismatch_threshold"`
	StallTimeout          time.Duration `yaml:"stall_timeout"`
	StuckResetThreshold   int           `yaml:"stuck_reset_threshold"`

	DequeueOutputTimeout time.Duration `yaml:"dequeue_output_timeout"`
	ReleaseTimeout       time.Duration `yaml:"release_timeout"`
	DeliveryQueue        int           `yaml:"delivery_queue"`

	SessionRetries       int           `yaml:"session_retries"`
	SessionRetryInterval time.Duration `yaml:"session_retry_interval"`
}

type BackpressureConfig struct {
	Enabled           bool          `yaml:"enabled"`
	SoftThreshold     int           `yaml:"soft_threshold"`
	OverloadThreshold int           `yaml:"overload_threshold"`
	MaxSkipRatio      int           `yaml:"max_skip_ratio"`
	DecayInterval     time.Duration `yaml:"decay_interval"`
}

type VideoConfig struct {
	// Source is "test" for the synthetic pattern or "camera".
	Source      string  `yaml:"source"`
	DeviceID    string  `yaml:"device_id"`
	// Preset names a quality preset such as "720p@30". When set it
	// overrides width, height, frame_rate and bitrate_kbps.
	Preset      string  `yaml:"preset,omitempty"`
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	FrameRate   float64 `yaml:"frame_rate"`
	BitrateKbps int     `yaml:"bitrate_kbps"`
}

type SinksConfig struct {
	// QueueSize is the per-sink frame queue in the distributor.
	QueueSize int         `yaml:"queue_size"`
	WebM      WebMConfig  `yaml:"webm"`
	RTP       RTPConfig   `yaml:"rtp"`
	Track     TrackConfig `yaml:"track"`
}

type WebMConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputPath string `yaml:"output_path"`
}

type RTPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MTU         int    `yaml:"mtu"`
	PayloadType uint8  `yaml:"payload_type"`
	SSRC        uint32 `yaml:"ssrc"`
}

type TrackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TrackID  string `yaml:"track_id"`
	StreamID string `yaml:"stream_id"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with default values
func Default() Config {
	enc := encoder.DefaultConfig()
	bp := backpressure.DefaultConfig()
	return Config{
		Encoder: EncoderConfig{
			Codec:                  "h264",
			CodecName:              enc.CodecName,
			ColorFormats:           []string{"surface", "yuv420-planar"},
			BitrateMode:            "cbr",
			KeyFrameInterval:       enc.KeyFrameInterval,
			ForcedKeyFrameInterval: enc.ForcedKeyFrameInterval,
			MaxPendingFrames:       enc.MaxPendingFrames,
			ModeMismatchThreshold:  enc.ModeMismatchThreshold,
			StallTimeout:           enc.StallTimeout,
			StuckResetThreshold:    enc.StuckResetThreshold,
			DequeueOutputTimeout:   enc.DequeueOutputTimeout,
			ReleaseTimeout:         enc.ReleaseTimeout,
			DeliveryQueue:          enc.DeliveryQueue,
			SessionRetries:         enc.SessionRetries,
			SessionRetryInterval:   enc.SessionRetryInterval,
		},
		Backpressure: BackpressureConfig{
			Enabled:           true,
			OverloadThreshold: bp.OverloadThreshold,
			MaxSkipRatio:      bp.MaxSkipRatio,
			DecayInterval:     bp.DecayInterval,
		},
		Video: VideoConfig{
			Source:      "test",
			Width:       640,
			Height:      480,
			FrameRate:   30,
			BitrateKbps: 1000,
		},
		Sinks: SinksConfig{
			QueueSize: 30,
			WebM: WebMConfig{
				Enabled:    true,
				OutputPath: "recordings/",
			},
			RTP: RTPConfig{
				Address:     "127.0.0.1:5004",
				MTU:         1200,
				PayloadType: 96,
			},
			Track: TrackConfig{
				TrackID:  "video",
				StreamID: "hwvideo",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result. Fields the
// file leaves out keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Video.Preset != "" {
		if err := cfg.ApplyPreset(cfg.Video.Preset); err != nil {
			return cfg, fmt.Errorf("invalid config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyPreset copies a quality preset into the video section.
func (c *Config) ApplyPreset(name string) error {
	p, err := quality.Lookup(name)
	if err != nil {
		return err
	}
	c.Video.Preset = p.Name
	c.Video.Width = p.Width
	c.Video.Height = p.Height
	c.Video.FrameRate = p.FrameRate
	c.Video.BitrateKbps = p.StartKbps()
	return nil
}

// BitrateBand is the preset band for the configured size, or the band
// scaled from the nearest preset for custom sizes.
func (c Config) BitrateBand() (minKbps, maxKbps int) {
	p, err := quality.Lookup(c.Video.Preset)
	if err != nil {
		p = quality.Scaled(c.Video.Width, c.Video.Height, c.Video.FrameRate)
	}
	return p.MinKbps, p.MaxKbps
}

// Save writes cfg as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := MimeFor(c.Encoder.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Encoder.Adjuster != "" {
		if _, err := bitrate.ParseKind(c.Encoder.Adjuster); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := parseColorFormats(c.Encoder.ColorFormats); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseBitrateMode(c.Encoder.BitrateMode); err != nil {
		errs = append(errs, err)
	}
	if c.Encoder.MaxPendingFrames < 0 {
		errs = append(errs, fmt.Errorf("encoder.max_pending_frames must not be negative"))
	}
	if c.Encoder.MaxPendingFrames > 0 && c.Encoder.MaxPendingFrames < 3 {
		errs = append(errs, fmt.Errorf("encoder.max_pending_frames must be at least 3, got %d", c.Encoder.MaxPendingFrames))
	}
	if c.Encoder.SessionRetries < 0 {
		errs = append(errs, fmt.Errorf("encoder.session_retries must not be negative"))
	}

	if c.Backpressure.MaxSkipRatio < 0 || c.Backpressure.OverloadThreshold < 0 {
		errs = append(errs, fmt.Errorf("backpressure thresholds must not be negative"))
	}

	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid video dimensions: %dx%d", c.Video.Width, c.Video.Height))
	} else if c.Video.Width%2 != 0 || c.Video.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("video dimensions must be even: %dx%d", c.Video.Width, c.Video.Height))
	}
	if c.Video.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid frame rate: %v", c.Video.FrameRate))
	}
	if c.Video.BitrateKbps <= 0 {
		errs = append(errs, fmt.Errorf("invalid bitrate: %d kbps", c.Video.BitrateKbps))
	}
	if c.Video.Preset != "" {
		if _, err := quality.Lookup(c.Video.Preset); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Video.Source {
	case "test", "camera":
	default:
		errs = append(errs, fmt.Errorf("video.source must be test or camera, got %q", c.Video.Source))
	}

	if c.Sinks.WebM.Enabled && c.Sinks.WebM.OutputPath == "" {
		errs = append(errs, fmt.Errorf("sinks.webm.output_path is required when webm is enabled"))
	}
	if c.Sinks.RTP.Enabled {
		if c.Sinks.RTP.Address == "" {
			errs = append(errs, fmt.Errorf("sinks.rtp.address is required when rtp is enabled"))
		}
		if c.Sinks.RTP.MTU != 0 && c.Sinks.RTP.MTU < 64 {
			errs = append(errs, fmt.Errorf("sinks.rtp.mtu too small: %d", c.Sinks.RTP.MTU))
		}
		if c.Sinks.RTP.PayloadType > 127 {
			errs = append(errs, fmt.Errorf("sinks.rtp.payload_type out of range: %d", c.Sinks.RTP.PayloadType))
		}
	}
	return errors.Join(errs...)
}

// MimeFor maps a short codec name to its mime type.
func MimeFor(codec string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "h264", "avc":
		return mediacodec.MimeH264, nil
	case "h265", "hevc":
		return mediacodec.MimeH265, nil
	case "vp8":
		return mediacodec.MimeVP8, nil
	case "vp9":
		return mediacodec.MimeVP9, nil
	case "av1":
		return mediacodec.MimeAV1, nil
	default:
		return "", fmt.Errorf("unsupported codec: %q", codec)
	}
}

// DefaultAdjuster is the bitrate adjuster each codec uses unless the config
// names one: VP8 overshoots and needs the dynamic adjuster, VP9 and AV1
// track frame rate changes, H.264 and H.265 follow targets as given.
func DefaultAdjuster(mime string) bitrate.Kind {
	switch mime {
	case mediacodec.MimeVP8:
		return bitrate.KindDynamic
	case mediacodec.MimeVP9, mediacodec.MimeAV1:
		return bitrate.KindFramerate
	default:
		return bitrate.KindBase
	}
}

func parseColorFormats(names []string) ([]mediacodec.ColorFormat, error) {
	var out []mediacodec.ColorFormat
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "surface":
			out = append(out, mediacodec.ColorFormatSurface)
		case "yuv420-planar", "i420":
			out = append(out, mediacodec.ColorFormatYUV420Planar)
		case "yuv420-semiplanar", "nv12":
			out = append(out, mediacodec.ColorFormatYUV420SemiPlanar)
		default:
			return nil, fmt.Errorf("unknown color format: %q", n)
		}
	}
	return out, nil
}

func parseBitrateMode(s string) (mediacodec.BitrateMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbr":
		return mediacodec.BitrateModeCBR, nil
	case "vbr":
		return mediacodec.BitrateModeVBR, nil
	default:
		return 0, fmt.Errorf("unknown bitrate mode: %q", s)
	}
}

// EncoderConfig maps the encoder section onto encoder.Config. Zero fields are
// filled with the encoder's own defaults later.
func (c Config) EncoderConfig() (encoder.Config, error) {
	mime, err := MimeFor(c.Encoder.Codec)
	if err != nil {
		return encoder.Config{}, err
	}
	formats, err := parseColorFormats(c.Encoder.ColorFormats)
	if err != nil {
		return encoder.Config{}, err
	}
	mode, err := parseBitrateMode(c.Encoder.BitrateMode)
	if err != nil {
		return encoder.Config{}, err
	}
	kind := DefaultAdjuster(mime)
	if c.Encoder.Adjuster != "" {
		if kind, err = bitrate.ParseKind(c.Encoder.Adjuster); err != nil {
			return encoder.Config{}, err
		}
	}
	return encoder.Config{
		CodecName:              c.Encoder.CodecName,
		Mime:                   mime,
		ColorFormats:           formats,
		BitrateMode:            mode,
		Adjuster:               kind,
		KeyFrameInterval:       c.Encoder.KeyFrameInterval,
		ForcedKeyFrameInterval: c.Encoder.ForcedKeyFrameInterval,
		MaxPendingFrames:       c.Encoder.MaxPendingFrames,
		ModeMismatchThreshold:  c.Encoder.ModeMismatchThreshold,
		StallTimeout:           c.Encoder.StallTimeout,
		StuckResetThreshold:    c.Encoder.StuckResetThreshold,
		DequeueOutputTimeout:   c.Encoder.DequeueOutputTimeout,
		ReleaseTimeout:         c.Encoder.ReleaseTimeout,
		DeliveryQueue:          c.Encoder.DeliveryQueue,
		SessionRetries:         c.Encoder.SessionRetries,
		SessionRetryInterval:   c.Encoder.SessionRetryInterval,
	}, nil
}

// BackpressureConfig maps the backpressure section. The queue cap always follows
// the encoder's pending-frame cap.
func (c Config) BackpressureConfig() backpressure.Config {
	queueCap := c.Encoder.MaxPendingFrames
	if queueCap <= 0 {
		queueCap = encoder.DefaultConfig().MaxPendingFrames
	}
	return backpressure.Config{
		QueueCap:          queueCap,
		SoftThreshold:     c.Backpressure.SoftThreshold,
		OverloadThreshold: c.Backpressure.OverloadThreshold,
		MaxSkipRatio:      c.Backpressure.MaxSkipRatio,
		DecayInterval:     c.Backpressure.DecayInterval,
	}
}

// Settings returns the encoder settings for the video section.
func (c Config) Settings() encoder.Settings {
	return encoder.Settings{
		Width:        c.Video.Width,
		Height:       c.Video.Height,
		StartBitrate: c.Video.BitrateKbps * 1000,
		MaxFramerate: c.Video.FrameRate,
	}
}
