package encoder

import (
	"sync"
	"sync/atomic"

	"github.com/mikeyg42/hwvideo/internal/bitrate"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
)

// rateControl guards the bitrate adjuster, which is fed from the drain
// goroutine and retargeted from the encode goroutine.
type rateControl struct {
	mu         sync.Mutex
	adjuster   bitrate.Adjuster
	targetBps  int
	configured int
}

func newRateControl(a bitrate.Adjuster) *rateControl {
	if a == nil {
		a = bitrate.NewBase()
	}
	return &rateControl{adjuster: a}
}

func (r *rateControl) setTargets(bps int, fps float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetBps = bps
	r.adjuster.SetTargets(bps, fps)
}

// pending returns the adjusted bitrate when it differs from what the codec
// was last told, and records it as configured.
func (r *rateControl) pending() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bps := r.adjuster.AdjustedBitrateBps()
	if bps == r.configured || bps <= 0 {
		return 0, false
	}
	r.configured = bps
	return bps, true
}

// markConfigured records the bitrate a fresh codec session was started with.
func (r *rateControl) markConfigured(bps int) {
	r.mu.Lock()
	r.configured = bps
	r.mu.Unlock()
}

func (r *rateControl) adjusted() (int, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adjuster.AdjustedBitrateBps(), r.adjuster.AdjustedFramerate()
}

func (r *rateControl) snapshot() (target, configured int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetBps, r.configured
}

// reportEncodedFrame feeds one output size to the adjuster and pushes a
// changed bitrate to the codec.
func (r *rateControl) reportEncodedFrame(size int, s *session, logger encoderlog.Logger) {
	r.mu.Lock()
	r.adjuster.ReportEncodedFrame(size)
	r.mu.Unlock()

	bps, changed := r.pending()
	if !changed {
		return
	}
	if err := s.setBitrate(bps); err != nil {
		logger.Warn("bitrate update rejected", encoderlog.Int("bps", bps), encoderlog.Error(err))
		return
	}
	logger.Debug("bitrate adjusted", encoderlog.Int("bps", bps))
}

// counters are updated from both goroutines.
type counters struct {
	framesSubmitted  atomic.Uint64
	framesDropped    atomic.Uint64
	noInputBuffer    atomic.Uint64
	modeMismatches   atomic.Uint64
	softRecoveries   atomic.Uint64
	hardResets       atomic.Uint64
	resets           atomic.Uint64
	faults           atomic.Uint64
	orphanOutputs    atomic.Uint64
	framesEmitted    atomic.Uint64
	keyFramesEmitted atomic.Uint64
	bytesEmitted     atomic.Uint64
}

// Stats is a point-in-time view of encoder health.
type Stats struct {
	SessionID   string
	State       State
	SurfaceMode bool
	Width       int
	Height      int

	FramesSubmitted  uint64
	FramesDropped    uint64
	NoInputBuffer    uint64
	ModeMismatches   uint64
	SoftRecoveries   uint64
	HardResets       uint64
	Resets           uint64
	Faults           uint64
	OrphanOutputs    uint64
	FramesEmitted    uint64
	KeyFramesEmitted uint64
	BytesEmitted     uint64

	PendingFrames        int
	BusyOutputBuffers    int
	TargetBitrateBps     int
	ConfiguredBitrateBps int
}
