// Package gstcodec backs mediacodec.Codec with a GStreamer encode pipeline:
// appsrc ! videoconvert ! <encoder> ! [parser] ! appsink. The pipeline code
// needs cgo and the GStreamer development libraries and is only built with
// the gstreamer build tag; the element tables here are plain Go.
package gstcodec

import (
	"fmt"
	"runtime"

	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// profile describes one GStreamer encoder element and how to drive it.
type profile struct {
	element string
	// bitrateProp takes bitrate/bitrateUnit; unsigned selects a uint value.
	bitrateProp     string
	bitrateUnit     int
	bitrateUnsigned bool
	keyIntProp      string
	keyIntUnsigned  bool
	hardware        bool
	// props are applied once after creation.
	props map[string]any
}

type codecInfo struct {
	parser string
	// sinkCaps pins the encoded stream shape handed to the appsink.
	sinkCaps string
	profiles []profile
}

var codecs = map[string]codecInfo{
	mediacodec.MimeH264: {
		parser:   "h264parse",
		sinkCaps: "video/x-h264,stream-format=byte-stream,alignment=au",
		profiles: []profile{
			{element: "vtenc_h264_hw", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "max-keyframe-interval", hardware: true,
				props: map[string]any{"allow-frame-reordering": false, "realtime": true}},
			{element: "nvh264enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "gop-size", hardware: true,
				props: map[string]any{"zerolatency": true}},
			{element: "vah264enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true, hardware: true},
			{element: "vaapih264enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "keyframe-period", keyIntUnsigned: true, hardware: true},
			{element: "x264enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true,
				props: map[string]any{"speed-preset": "ultrafast", "tune": "zerolatency", "byte-stream": true}},
		},
	},
	mediacodec.MimeH265: {
		parser:   "h265parse",
		sinkCaps: "video/x-h265,stream-format=byte-stream,alignment=au",
		profiles: []profile{
			{element: "vtenc_h265_hw", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "max-keyframe-interval", hardware: true},
			{element: "nvh265enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "gop-size", hardware: true},
			{element: "vah265enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true, hardware: true},
			{element: "x265enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max",
				props: map[string]any{"speed-preset": "ultrafast", "tune": "zerolatency"}},
		},
	},
	mediacodec.MimeVP8: {
		sinkCaps: "video/x-vp8",
		profiles: []profile{
			{element: "vavp8enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true, hardware: true},
			{element: "vp8enc", bitrateProp: "target-bitrate", bitrateUnit: 1,
				keyIntProp: "keyframe-max-dist",
				props: map[string]any{"deadline": int64(1), "end-usage": 1, "lag-in-frames": 0}},
		},
	},
	mediacodec.MimeVP9: {
		sinkCaps: "video/x-vp9",
		profiles: []profile{
			{element: "vavp9enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true, hardware: true},
			{element: "vp9enc", bitrateProp: "target-bitrate", bitrateUnit: 1,
				keyIntProp: "keyframe-max-dist",
				props: map[string]any{"deadline": int64(1), "end-usage": 1, "lag-in-frames": 0, "row-mt": true}},
		},
	},
	mediacodec.MimeAV1: {
		parser:   "av1parse",
		sinkCaps: "video/x-av1",
		profiles: []profile{
			{element: "nvav1enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "gop-size", hardware: true},
			{element: "vaav1enc", bitrateProp: "bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "key-int-max", keyIntUnsigned: true, hardware: true},
			{element: "svtav1enc", bitrateProp: "target-bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "intra-period-length"},
			{element: "av1enc", bitrateProp: "target-bitrate", bitrateUnit: 1000, bitrateUnsigned: true,
				keyIntProp: "keyframe-max-dist", keyIntUnsigned: true,
				props: map[string]any{"cpu-used": 8, "end-usage": 1, "lag-in-frames": uint(0)}},
		},
	},
}

// candidates lists the encoders to try for mime, in preference order.
// A non-empty element restricts the list to that element. VideoToolbox
// elements are skipped off darwin.
func candidates(mime, element string) ([]profile, codecInfo, error) {
	info, ok := codecs[mime]
	if !ok {
		return nil, codecInfo{}, fmt.Errorf("no gstreamer encoders for %q: %w", mime, mediacodec.ErrInvalidFormat)
	}
	var out []profile
	for _, p := range info.profiles {
		if element != "" && p.element != element {
			continue
		}
		if element == "" && runtime.GOOS != "darwin" && len(p.element) > 5 && p.element[:5] == "vtenc" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, info, fmt.Errorf("encoder %q does not produce %q: %w", element, mime, mediacodec.ErrInvalidFormat)
	}
	return out, info, nil
}

// bitrateValue converts bps to the element's property value.
func (p profile) bitrateValue(bps int) any {
	v := bps / p.bitrateUnit
	if v < 1 {
		v = 1
	}
	if p.bitrateUnsigned {
		return uint(v)
	}
	return v
}

// keyIntValue converts a keyframe interval in seconds to frames.
func (p profile) keyIntValue(seconds int, fps float64) any {
	frames := int(float64(seconds) * fps)
	if frames <= 0 || frames > 1<<20 {
		frames = 1 << 20
	}
	if p.keyIntUnsigned {
		return uint(frames)
	}
	return frames
}

// rawCaps is the appsrc caps for a configured input format.
func rawCaps(f mediacodec.Format) (string, error) {
	var pixfmt string
	switch f.ColorFormat {
	case mediacodec.ColorFormatYUV420Planar:
		pixfmt = "I420"
	case mediacodec.ColorFormatYUV420SemiPlanar:
		pixfmt = "NV12"
	default:
		return "", fmt.Errorf("gstreamer input %v: %w", f.ColorFormat, mediacodec.ErrInvalidFormat)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1000",
		pixfmt, f.Width, f.Height, int(f.FrameRate*1000)), nil
}

// checkGeometry rejects sizes whose GStreamer plane strides would not match
// a tightly packed stride-by-height layout.
func checkGeometry(f mediacodec.Format) error {
	if f.Width <= 0 || f.Height <= 0 || f.Width%8 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("gstreamer input %dx%d: width must be a multiple of 8: %w",
			f.Width, f.Height, mediacodec.ErrInvalidFormat)
	}
	if f.Bitrate <= 0 || f.FrameRate <= 0 {
		return fmt.Errorf("gstreamer rates %d bps at %v fps: %w", f.Bitrate, f.FrameRate, mediacodec.ErrInvalidFormat)
	}
	return nil
}
