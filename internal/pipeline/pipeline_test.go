package pipeline

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/io/video"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/hwvideo/internal/config"
	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/framestream"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/mediacodec/sim"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

type memorySink struct {
	entered chan struct{}
	gate    chan struct{}

	mu     sync.Mutex
	frames []*captured
	closed bool
}

type captured struct {
	data []byte
	key  bool
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) WriteFrame(f *encoder.EncodedFrame) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, &captured{data: append([]byte(nil), f.Buffer...), key: f.IsKey()})
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) got() []*captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*captured(nil), s.frames...)
}

// mimeSink is a memorySink bound to one payload format.
type mimeSink struct {
	memorySink
	name string
	mime string
}

func (s *mimeSink) Name() string { return s.name }
func (s *mimeSink) Mime() string { return s.mime }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Encoder.DequeueOutputTimeout = 5 * time.Millisecond
	cfg.Encoder.ReleaseTimeout = 500 * time.Millisecond
	cfg.Encoder.SessionRetryInterval = time.Millisecond
	cfg.Video.Width, cfg.Video.Height = 64, 48
	cfg.Video.BitrateKbps = 100
	cfg.Sinks.WebM.Enabled = false
	return cfg
}

func testLogger(t *testing.T) encoderlog.Logger {
	return encoderlog.NewZap(zaptest.NewLogger(t))
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

func newFrame(t *testing.T, w, h int, tsNs int64, released *atomic.Int32) *videoframe.Frame {
	t.Helper()
	b := videoframe.NewI420Buffer(w, h)
	buf, err := videoframe.WrapI420(w, h, b.Y, b.U, b.V, b.StrideY, b.StrideU, b.StrideV, func() { released.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	f, err := videoframe.NewFrame(buf, 0, tsNs)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPipelineDeliversHardwareOutput(t *testing.T) {
	fac := sim.NewFactory(sim.Options{ConfigHeader: sim.DefaultConfigHeader}, 0)
	sink := &memorySink{}
	p, err := New(fac, nil, []framestream.Sink{sink}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	var released atomic.Int32
	for i := 0; i < 10; i++ {
		if s := p.HandleFrame(newFrame(t, 64, 48, int64(i)*33_000_000, &released)); s != encoder.StatusOK {
			t.Fatalf("frame %d: status %s", i, s)
		}
		waitFor(t, "encoder to drain", func() bool { return p.GetPendingInputFrames() == 0 })
	}
	if released.Load() != 10 {
		t.Fatalf("released %d input frames, want 10", released.Load())
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	got := sink.got()
	if len(got) != 10 {
		t.Fatalf("sink got %d frames, want 10", len(got))
	}
	if !got[0].key || !bytes.HasPrefix(got[0].data, sim.DefaultConfigHeader) {
		t.Fatal("first frame is not a key frame carrying the config header")
	}
	for _, f := range got[1:] {
		if f.key {
			t.Fatal("unexpected key frame")
		}
	}
	if !sink.closed {
		t.Fatal("sink not closed on stop")
	}

	st := p.Stats()
	if st.Software || st.Encoded != 10 || st.Implementation != "HWEncoder:sim.video.encoder" {
		t.Fatalf("stats = %+v", st)
	}
	if st.Backpressure.Accepted != 10 || st.Distributor.TotalFrames != 10 {
		t.Fatalf("stats = %+v", st)
	}
	if fac.Last() == nil || !fac.Last().Released() {
		t.Fatal("codec not released")
	}
}

func TestPipelineFallsBackToSoftware(t *testing.T) {
	fac := sim.NewFactory(sim.Options{}, -1)
	sink := &memorySink{}
	p, err := New(fac, nil, []framestream.Sink{sink}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	st := p.Stats()
	if !st.Software || st.Fallbacks != 1 || st.Implementation != "SWEncoder:jpeg" {
		t.Fatalf("stats = %+v", st)
	}

	var released atomic.Int32
	for i := 0; i < 3; i++ {
		if s := p.HandleFrame(newFrame(t, 64, 48, int64(i)*33_000_000, &released)); s != encoder.StatusOK {
			t.Fatalf("frame %d: status %s", i, s)
		}
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	got := sink.got()
	if len(got) != 3 {
		t.Fatalf("sink got %d frames, want 3", len(got))
	}
	for _, f := range got {
		if !f.key || !bytes.HasPrefix(f.data, []byte{0xff, 0xd8}) {
			t.Fatal("software output is not a key JPEG")
		}
	}
	if released.Load() != 3 {
		t.Fatalf("released %d input frames", released.Load())
	}
}

func TestFallbackDisablesCodecBoundSinks(t *testing.T) {
	fac := sim.NewFactory(sim.Options{}, -1)
	h264 := &mimeSink{name: "h264", mime: mediacodec.MimeH264}
	jpeg := &mimeSink{name: "jpeg", mime: MimeJPEG}
	unbound := &memorySink{}
	p, err := New(fac, nil, []framestream.Sink{h264, jpeg, unbound}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	var released atomic.Int32
	for i := 0; i < 3; i++ {
		if s := p.HandleFrame(newFrame(t, 64, 48, int64(i)*33_000_000, &released)); s != encoder.StatusOK {
			t.Fatalf("frame %d: status %s", i, s)
		}
	}
	st := p.Stats()
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	if n := len(h264.got()); n != 0 {
		t.Fatalf("h264 sink got %d JPEG frames", n)
	}
	if len(jpeg.got()) != 3 || len(unbound.got()) != 3 {
		t.Fatalf("jpeg sink got %d, unbound sink got %d, want 3 each", len(jpeg.got()), len(unbound.got()))
	}
	for _, s := range st.Distributor.Sinks {
		if s.Disabled != (s.Name == "h264") {
			t.Fatalf("sink %s disabled = %v", s.Name, s.Disabled)
		}
	}
	if !h264.closed {
		t.Fatal("disabled sink not closed on stop")
	}
}

func TestHardwareStartDisablesMismatchedSinks(t *testing.T) {
	fac := sim.NewFactory(sim.Options{ConfigHeader: sim.DefaultConfigHeader}, 0)
	vp8 := &mimeSink{name: "vp8", mime: mediacodec.MimeVP8}
	h264 := &mimeSink{name: "h264", mime: mediacodec.MimeH264}
	p, err := New(fac, nil, []framestream.Sink{vp8, h264}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	var released atomic.Int32
	if s := p.HandleFrame(newFrame(t, 64, 48, 0, &released)); s != encoder.StatusOK {
		t.Fatalf("status %s", s)
	}
	waitFor(t, "h264 delivery", func() bool { return len(h264.got()) == 1 })
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if n := len(vp8.got()); n != 0 {
		t.Fatalf("vp8 sink got %d H.264 frames", n)
	}
}

func TestPendingFramesReadableWhileEncodeHoldsLock(t *testing.T) {
	fac := sim.NewFactory(sim.Options{}, 0)
	p, err := New(fac, nil, []framestream.Sink{&memorySink{}}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	p.mu.Lock()
	done := make(chan int, 1)
	go func() { done <- p.GetPendingInputFrames() }()
	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("pending = %d, want 0", n)
		}
	case <-time.After(time.Second):
		t.Error("GetPendingInputFrames blocked on the pipeline lock")
	}
	p.mu.Unlock()
}

func TestSinkDropRequestsKeyFrame(t *testing.T) {
	fac := sim.NewFactory(sim.Options{}, 0)
	sink := &memorySink{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	cfg := testConfig()
	cfg.Sinks.QueueSize = 1
	p, err := New(fac, nil, []framestream.Sink{sink}, cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	var released atomic.Int32
	// Frame 1 blocks inside the sink, frame 2 fills its queue, frame 3 is
	// dropped.
	for i := 1; i <= 3; i++ {
		p.HandleFrame(newFrame(t, 64, 48, int64(i)*33_000_000, &released))
		want := int64(i)
		waitFor(t, "distributor", func() bool { return p.Stats().Distributor.TotalFrames == want })
		if i == 1 {
			<-sink.entered
		}
	}
	close(sink.gate)
	waitFor(t, "sink to catch up", func() bool { return len(sink.got()) == 2 })

	p.HandleFrame(newFrame(t, 64, 48, 4*33_000_000, &released))
	if st := p.Stats(); st.KeyRequests != 1 {
		t.Fatalf("key requests = %d, want 1", st.KeyRequests)
	}
	var requested bool
	for _, prm := range fac.Last().Params() {
		if prm.RequestSyncFrame {
			requested = true
		}
	}
	if !requested {
		t.Fatal("codec never asked for a sync frame")
	}

	waitFor(t, "distributor", func() bool { return p.Stats().Distributor.TotalFrames == 4 })
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	got := sink.got()
	if len(got) != 3 || !got[2].key {
		t.Fatalf("sink should resume on the requested key frame, got %d frames", len(got))
	}
}

func TestPipelineRunsFromSource(t *testing.T) {
	n := 0
	r := video.ReaderFunc(func() (image.Image, func(), error) {
		if n == 6 {
			return nil, nil, io.EOF
		}
		n++
		// Pace the source so the encoder never backs up.
		time.Sleep(5 * time.Millisecond)
		return image.NewRGBA(image.Rect(0, 0, 128, 96)), nil, nil
	})
	src := framestream.NewSource(r, framestream.WithSize(64, 48), framestream.WithSourceLogger(testLogger(t)))
	sink := &memorySink{}
	p, err := New(sim.NewFactory(sim.Options{}, 0), src, []framestream.Sink{sink}, testConfig(), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if st := p.Stats(); st.Encoded+st.DroppedInput+st.NoOutput != 6 {
		t.Fatalf("stats = %+v", st)
	}
	if len(sink.got()) == 0 {
		t.Fatal("no frames reached the sink")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Video.Width = 63
	if _, err := New(sim.NewFactory(sim.Options{}, 0), nil, nil, cfg); err == nil {
		t.Fatal("odd width accepted")
	}
}

func TestSoftwareEncoderContract(t *testing.T) {
	sw := NewSoftwareEncoder(testLogger(t))
	var got []*encoder.EncodedFrame
	cb := encoder.CallbackFunc(func(f *encoder.EncodedFrame) { got = append(got, f) })

	var released atomic.Int32
	if s := sw.Encode(newFrame(t, 64, 48, 0, &released), nil); s != encoder.StatusUninitialized {
		t.Fatalf("encode before init = %s", s)
	}
	if s := sw.InitEncode(encoder.Settings{Width: 63, Height: 48, StartBitrate: 1, MaxFramerate: 30}, cb); s != encoder.StatusErrSize {
		t.Fatalf("odd init = %s", s)
	}
	if s := sw.InitEncode(encoder.Settings{Width: 64, Height: 48, StartBitrate: 100_000, MaxFramerate: 30}, cb); s != encoder.StatusOK {
		t.Fatalf("init = %s", s)
	}
	if s := sw.SetRates(0, 30); s != encoder.StatusErrParameter {
		t.Fatalf("SetRates(0) = %s", s)
	}

	tex := videoframe.NewTextureBuffer(1, videoframe.TextureOES, 64, 48, func() (*videoframe.I420Buffer, error) {
		return videoframe.NewI420Buffer(64, 48), nil
	}, nil)
	frame, err := videoframe.NewFrame(tex, 90, 42)
	if err != nil {
		t.Fatal(err)
	}
	if s := sw.Encode(frame, nil); s != encoder.StatusOK {
		t.Fatalf("texture encode = %s", s)
	}
	if len(got) != 1 || !got[0].IsKey() || got[0].Rotation != 90 || got[0].CaptureTimeNs != 42 {
		t.Fatalf("output = %+v", got)
	}
	if sw.GetPendingInputFrames() != 0 {
		t.Fatal("software encoder reports pending frames")
	}
	if s := sw.Release(); s != encoder.StatusOK {
		t.Fatal(s)
	}
	if s := sw.InitEncode(encoder.Settings{Width: 64, Height: 48, StartBitrate: 1, MaxFramerate: 30}, cb); s != encoder.StatusError {
		t.Fatalf("init after release = %s", s)
	}
}

func TestQualityTracksBitsPerPixel(t *testing.T) {
	low := qualityFor(100_000, 30, 1280, 720)
	high := qualityFor(20_000_000, 30, 1280, 720)
	if low >= high || low < 10 || high > 95 {
		t.Fatalf("quality low=%d high=%d", low, high)
	}
}
