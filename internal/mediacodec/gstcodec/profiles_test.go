package gstcodec

import (
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

func TestCandidatesPreferHardware(t *testing.T) {
	for mime := range codecs {
		ps, _, err := candidates(mime, "")
		if err != nil {
			t.Fatalf("%s: %v", mime, err)
		}
		if ps[len(ps)-1].hardware {
			t.Fatalf("%s: last resort %s should be a software encoder", mime, ps[len(ps)-1].element)
		}
		for _, p := range ps {
			if runtime.GOOS != "darwin" && strings.HasPrefix(p.element, "vtenc") {
				t.Fatalf("%s: %s offered off darwin", mime, p.element)
			}
		}
	}
}

func TestCandidatesNamedElement(t *testing.T) {
	ps, info, err := candidates(mediacodec.MimeH264, "x264enc")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].element != "x264enc" || info.parser != "h264parse" {
		t.Fatalf("got %+v %+v", ps, info)
	}

	if _, _, err := candidates(mediacodec.MimeH264, "vp8enc"); !errors.Is(err, mediacodec.ErrInvalidFormat) {
		t.Fatalf("mismatched element: %v", err)
	}
	if _, _, err := candidates("video/mp4v-es", ""); !errors.Is(err, mediacodec.ErrInvalidFormat) {
		t.Fatalf("unknown mime: %v", err)
	}
}

func TestPropertyValues(t *testing.T) {
	x264 := profile{bitrateUnit: 1000, bitrateUnsigned: true, keyIntUnsigned: true}
	if v := x264.bitrateValue(2_500_000); v != uint(2500) {
		t.Fatalf("x264 bitrate = %#v", v)
	}
	if v := x264.bitrateValue(10); v != uint(1) {
		t.Fatalf("bitrate floor = %#v", v)
	}
	if v := x264.keyIntValue(2, 30); v != uint(60) {
		t.Fatalf("key interval = %#v", v)
	}

	vp8 := profile{bitrateUnit: 1}
	if v := vp8.bitrateValue(800_000); v != 800_000 {
		t.Fatalf("vp8 bitrate = %#v", v)
	}
	if v := vp8.keyIntValue(0, 30); v != 1<<20 {
		t.Fatalf("unbounded key interval = %#v", v)
	}
}

func TestRawCapsAndGeometry(t *testing.T) {
	f := mediacodec.Format{Mime: mediacodec.MimeVP8, Width: 640, Height: 480, Bitrate: 1, FrameRate: 29.97,
		ColorFormat: mediacodec.ColorFormatYUV420SemiPlanar}
	caps, err := rawCaps(f)
	if err != nil {
		t.Fatal(err)
	}
	if caps != "video/x-raw,format=NV12,width=640,height=480,framerate=29970/1000" {
		t.Fatalf("caps = %s", caps)
	}
	if err := checkGeometry(f); err != nil {
		t.Fatal(err)
	}

	f.ColorFormat = mediacodec.ColorFormatSurface
	if _, err := rawCaps(f); !errors.Is(err, mediacodec.ErrInvalidFormat) {
		t.Fatalf("surface caps: %v", err)
	}
	f.Width = 642
	if err := checkGeometry(f); !errors.Is(err, mediacodec.ErrInvalidFormat) {
		t.Fatalf("unaligned width: %v", err)
	}
}
