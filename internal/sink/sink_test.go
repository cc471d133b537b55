package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

func testLogger(t *testing.T) encoderlog.Logger {
	return encoderlog.NewZap(zaptest.NewLogger(t))
}

func encoded(payload []byte, key bool, captureNs int64) *encoder.EncodedFrame {
	f := encoder.NewEncodedFrame(payload, nil)
	f.Width, f.Height = 320, 240
	f.CaptureTimeNs = captureNs
	if key {
		f.FrameType = encoder.FrameTypeKey
	}
	return f
}

type packetLog struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
}

func (l *packetLog) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.packets = append(l.packets, append([]byte(nil), b...))
	return len(b), nil
}

func (l *packetLog) Close() error {
	l.closed = true
	return nil
}

func (l *packetLog) parsed(t *testing.T) []*rtp.Packet {
	t.Helper()
	var out []*rtp.Packet
	for _, raw := range l.packets {
		p := &rtp.Packet{}
		if err := p.Unmarshal(raw); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func TestRTPSinkPacketizesToMTU(t *testing.T) {
	log := &packetLog{}
	s, err := NewRTPSink(log, RTPConfig{
		Mime:        mediacodec.MimeVP8,
		MTU:         1200,
		PayloadType: 100,
		SSRC:        0xdecafbad,
		FrameRate:   25,
	}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.WriteFrame(encoded(make([]byte, 3000), true, 0)); err != nil {
		t.Fatal(err)
	}
	pkts := log.parsed(t)
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}
	for i, p := range pkts {
		if len(log.packets[i]) > 1200 {
			t.Fatalf("packet %d is %d bytes", i, len(log.packets[i]))
		}
		if p.SSRC != 0xdecafbad || p.PayloadType != 100 {
			t.Fatalf("packet %d header = %+v", i, p.Header)
		}
		if p.Marker != (i == len(pkts)-1) {
			t.Fatalf("packet %d marker = %v", i, p.Marker)
		}
		if p.Timestamp != pkts[0].Timestamp {
			t.Fatal("packets of one frame carry different timestamps")
		}
		if i > 0 && p.SequenceNumber != pkts[i-1].SequenceNumber+1 {
			t.Fatal("sequence numbers not consecutive")
		}
	}
	if s.Packets() != 3 {
		t.Fatalf("Packets() = %d", s.Packets())
	}
}

func TestRTPSinkTimestampsFollowCaptureTime(t *testing.T) {
	log := &packetLog{}
	s, err := NewRTPSink(log, RTPConfig{Mime: mediacodec.MimeVP8, FrameRate: 25}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if s.SSRC() == 0 {
		t.Fatal("zero ssrc not replaced")
	}

	base := int64(time.Second)
	for _, ns := range []int64{base, base + int64(50*time.Millisecond), base + int64(60*time.Millisecond)} {
		if err := s.WriteFrame(encoded([]byte{0x10, 0x02, 0x9d}, false, ns)); err != nil {
			t.Fatal(err)
		}
	}
	pkts := log.parsed(t)
	if len(pkts) != 3 {
		t.Fatalf("got %d packets", len(pkts))
	}
	// First frame advances by the nominal 40ms, later frames by capture deltas.
	if d := pkts[1].Timestamp - pkts[0].Timestamp; d != 3600 {
		t.Fatalf("first step = %d, want 3600", d)
	}
	if d := pkts[2].Timestamp - pkts[1].Timestamp; d != 4500 {
		t.Fatalf("second step = %d, want 4500", d)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !log.closed {
		t.Fatal("writer not closed")
	}
}

func TestUnsupportedMimeRejected(t *testing.T) {
	if _, err := NewRTPSink(&packetLog{}, RTPConfig{Mime: "video/mjpeg"}, nil); err == nil {
		t.Fatal("rtp sink accepted unknown mime")
	}
	if _, err := NewTrackSink(TrackConfig{Mime: "video/mjpeg"}, nil); err == nil {
		t.Fatal("track sink accepted unknown mime")
	}
	if _, err := NewWebMSink(&closeSignal{}, WebMConfig{Mime: "video/mjpeg"}, nil); err == nil {
		t.Fatal("webm sink accepted unknown mime")
	}
}

func TestTrackSinkWritesSamples(t *testing.T) {
	s, err := NewTrackSink(TrackConfig{Mime: mediacodec.MimeH264, TrackID: "cam", FrameRate: 30}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if s.Track().Codec().MimeType != "video/H264" {
		t.Fatalf("mime = %q", s.Track().Codec().MimeType)
	}
	if s.Name() != "webrtc:cam" {
		t.Fatalf("name = %q", s.Name())
	}
	for i := 0; i < 3; i++ {
		if err := s.WriteFrame(encoded([]byte{0, 0, 0, 1, 0x65}, i == 0, int64(i)*int64(33*time.Millisecond))); err != nil {
			t.Fatal(err)
		}
	}
	if n, b := s.Samples(); n != 3 || b != 15 {
		t.Fatalf("samples = %d, bytes = %d", n, b)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFrame(encoded([]byte{1}, true, 0)); err == nil {
		t.Fatal("write after close succeeded")
	}
}

type closeSignal struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func newCloseSignal() *closeSignal { return &closeSignal{done: make(chan struct{})} }

func (c *closeSignal) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *closeSignal) Close() error {
	if c.done != nil {
		close(c.done)
	}
	return nil
}

func (c *closeSignal) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func TestWebMSinkStartsOnKeyFrame(t *testing.T) {
	out := newCloseSignal()
	s, err := NewWebMSink(out, WebMConfig{Mime: mediacodec.MimeVP8, FrameRate: 30}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	// Delta before the first key frame is skipped.
	if err := s.WriteFrame(encoded([]byte{1, 2, 3}, false, 0)); err != nil {
		t.Fatal(err)
	}
	if s.Blocks() != 0 {
		t.Fatal("delta recorded before key frame")
	}

	base := int64(5 * time.Second)
	for i := 0; i < 5; i++ {
		f := encoded(bytes.Repeat([]byte{byte(i)}, 64), i == 0, base+int64(i)*int64(33*time.Millisecond))
		if err := s.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}
	if s.Blocks() != 5 {
		t.Fatalf("blocks = %d, want 5", s.Blocks())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-out.done:
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed")
	}

	data := out.bytes()
	if !bytes.HasPrefix(data, []byte{0x1a, 0x45, 0xdf, 0xa3}) {
		t.Fatalf("missing EBML header: % x", data[:min(4, len(data))])
	}
	if !bytes.Contains(data, []byte("V_VP8")) {
		t.Fatal("codec id not written")
	}
	if err := s.WriteFrame(encoded([]byte{1}, true, base)); err == nil {
		t.Fatal("write after close succeeded")
	}
}

func TestWebMFileSinkRemovesEmptyRecording(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	s, err := NewWebMFileSink(dir, WebMConfig{Mime: mediacodec.MimeVP9}, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(s.Path()) != dir {
		t.Fatalf("path = %q", s.Path())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatalf("empty recording left behind: %v", err)
	}
}
