package framestream

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

type recordingSink struct {
	name    string
	entered chan struct{}
	gate    chan struct{}

	mu     sync.Mutex
	frames []string
	closed bool
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, entered: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) WriteFrame(f *encoder.EncodedFrame) error {
	s.entered <- struct{}{}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.frames = append(s.frames, string(f.Buffer))
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func frame(payload string, key bool, released *atomic.Int32) *encoder.EncodedFrame {
	f := encoder.NewEncodedFrame([]byte(payload), func() { released.Add(1) })
	if key {
		f.FrameType = encoder.FrameTypeKey
	}
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testLogger(t *testing.T) encoderlog.Logger {
	return encoderlog.NewZap(zaptest.NewLogger(t))
}

func TestDistributorFansOutToEverySink(t *testing.T) {
	a, b := newRecordingSink("a"), newRecordingSink("b")
	d := NewDistributor([]Sink{a, b}, WithDistributorLogger(testLogger(t)))
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	var released atomic.Int32
	d.OnEncodedFrame(frame("k1", true, &released))
	d.OnEncodedFrame(frame("d1", false, &released))
	d.OnEncodedFrame(frame("d2", false, &released))
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}

	want := []string{"k1", "d1", "d2"}
	for _, s := range []*recordingSink{a, b} {
		got := s.got()
		if len(got) != len(want) {
			t.Fatalf("sink %s got %v", s.name, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sink %s got %v, want %v", s.name, got, want)
			}
		}
		if !s.closed {
			t.Fatalf("sink %s not closed", s.name)
		}
	}
	if released.Load() != 3 {
		t.Fatalf("released = %d, want one per frame", released.Load())
	}
	st := d.GetStats()
	if st.TotalFrames != 3 || st.Sinks[0].Delivered != 3 || st.Sinks[1].Delivered != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

type formatSink struct {
	*recordingSink
	mime string
}

func (s formatSink) Mime() string { return s.mime }

func TestRestrictDisablesOtherFormats(t *testing.T) {
	h264 := formatSink{newRecordingSink("h264"), "video/avc"}
	jpeg := formatSink{newRecordingSink("jpeg"), "image/jpeg"}
	plain := newRecordingSink("plain")
	d := NewDistributor([]Sink{h264, jpeg, plain}, WithDistributorLogger(testLogger(t)))
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	if got := d.Restrict("image/jpeg"); len(got) != 1 || got[0] != "h264" {
		t.Fatalf("Restrict disabled %v, want [h264]", got)
	}
	if got := d.Restrict("image/jpeg"); len(got) != 0 {
		t.Fatalf("second Restrict disabled %v again", got)
	}

	var released atomic.Int32
	d.OnEncodedFrame(frame("k1", true, &released))
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(h264.got()) != 0 || len(jpeg.got()) != 1 || len(plain.got()) != 1 {
		t.Fatalf("h264 %v, jpeg %v, plain %v", h264.got(), jpeg.got(), plain.got())
	}
	if released.Load() != 1 {
		t.Fatalf("released = %d, want 1", released.Load())
	}
	st := d.GetStats()
	if !st.Sinks[0].Disabled || st.Sinks[0].Dropped != 0 || st.Sinks[1].Disabled {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDistributorWaitsForKeyFrame(t *testing.T) {
	s := newRecordingSink("s")
	d := NewDistributor([]Sink{s}, WithDistributorLogger(testLogger(t)))
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	var released atomic.Int32
	d.OnEncodedFrame(frame("d0", false, &released))
	d.OnEncodedFrame(frame("k1", true, &released))
	waitFor(t, "key frame", func() bool { return len(s.got()) == 1 })
	if got := s.got(); got[0] != "k1" {
		t.Fatalf("got %v, want delta before key withheld", got)
	}
}

func TestSlowSinkDropsAndResyncsOnKeyFrame(t *testing.T) {
	slow := newRecordingSink("slow")
	slow.gate = make(chan struct{})
	d := NewDistributor([]Sink{slow}, WithQueueSize(1), WithDistributorLogger(testLogger(t)))
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	var released atomic.Int32
	d.OnEncodedFrame(frame("k1", true, &released))
	<-slow.entered // slow sink is now blocked inside WriteFrame with k1

	d.OnEncodedFrame(frame("d1", false, &released)) // queued
	d.OnEncodedFrame(frame("d2", false, &released)) // queue full: dropped
	d.OnEncodedFrame(frame("d3", false, &released)) // withheld until key

	if !d.TakeKeyFrameRequest() {
		t.Fatal("drop did not request a key frame")
	}
	if d.TakeKeyFrameRequest() {
		t.Fatal("key frame request not cleared")
	}

	close(slow.gate)
	waitFor(t, "slow sink to catch up", func() bool { return len(slow.got()) == 2 })
	d.OnEncodedFrame(frame("k2", true, &released))
	d.OnEncodedFrame(frame("d4", false, &released))
	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}

	want := []string{"k1", "d1", "k2", "d4"}
	got := slow.got()
	if len(got) != len(want) {
		t.Fatalf("slow sink got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slow sink got %v, want %v", got, want)
		}
	}
	if released.Load() != 6 {
		t.Fatalf("released = %d, want 6", released.Load())
	}
	if st := d.GetStats(); st.Sinks[0].Dropped != 2 {
		t.Fatalf("slow sink dropped = %d, want 2", st.Sinks[0].Dropped)
	}
}

func TestDistributorReleasesWhenStopped(t *testing.T) {
	d := NewDistributor(nil, WithDistributorLogger(testLogger(t)))
	var released atomic.Int32
	d.OnEncodedFrame(frame("k", true, &released))
	if released.Load() != 1 {
		t.Fatal("frame not released by a stopped distributor")
	}
}

func solidRGBA(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestSourceTrimsOddNativeSize(t *testing.T) {
	var releases int
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		return solidRGBA(641, 481), func() { releases++ }, nil
	})
	s := NewSource(r, WithSourceLogger(testLogger(t)))

	f, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Width() != 640 || f.Height() != 480 {
		t.Fatalf("frame %dx%d, want 640x480", f.Width(), f.Height())
	}
	if releases != 1 {
		t.Fatalf("reader buffer released %d times", releases)
	}
}

func TestSourceScalesToEncodeSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	for y := 0; y < 720; y++ {
		for x := 0; x < 1280; x++ {
			img.Set(x, y, color.RGBA{R: 0, G: 0, B: 0, A: 0xff})
		}
	}
	r := video.ReaderFunc(func() (image.Image, func(), error) { return img, nil, nil })
	now := time.Unix(42, 0)
	s := NewSource(r, WithSize(320, 180), WithSourceClock(func() time.Time { return now }))

	f, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f.Width() != 320 || f.Height() != 180 {
		t.Fatalf("frame %dx%d, want 320x180", f.Width(), f.Height())
	}
	if f.TimestampNs != now.UnixNano() {
		t.Fatalf("timestamp = %d", f.TimestampNs)
	}
}

func TestSourceRunStopsAtEOF(t *testing.T) {
	n := 0
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		if n == 5 {
			return nil, nil, io.EOF
		}
		n++
		return solidRGBA(64, 48), nil, nil
	})
	s := NewSource(r, WithSourceLogger(testLogger(t)))

	count := 0
	if err := s.Run(context.Background(), func(*videoframe.Frame) { count++ }); err != nil {
		t.Fatal(err)
	}
	if count != 5 || s.Sequence() != 5 {
		t.Fatalf("handled %d frames, sequence %d", count, s.Sequence())
	}
}
