package encoder

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/hwvideo/internal/bitrate"
	"github.com/mikeyg42/hwvideo/internal/egl"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// HardwareVideoEncoder implements VideoEncoder on a mediacodec session.
//
// InitEncode, Encode, SetRates and Release must be called from one
// goroutine at a time; they are additionally serialized internally.
// Output is drained on a dedicated goroutine and delivered to the callback
// on a third.
type HardwareVideoEncoder struct {
	factory       mediacodec.Factory
	cfg           Config
	sharedContext egl.SharedContext
	baseLogger    encoderlog.Logger
	now           func() time.Time

	mu sync.Mutex

	state      atomic.Int32
	generation atomic.Uint64
	fault      atomic.Bool

	id         string
	logger     encoderlog.Logger
	settings   Settings
	callback   Callback
	width      int
	height     int
	useSurface bool

	sess    *session
	worker  *drainWorker
	eglBase egl.Base
	drawer  egl.Drawer

	pending *pendingQueue
	stall   *stallDetector
	rates   *rateControl
	stats   counters

	mismatches    int
	forceKeyFrame bool
	lastKeyFrame  time.Time
	nextPtsUs     int64
}

var _ VideoEncoder = (*HardwareVideoEncoder)(nil)

// Option customizes a HardwareVideoEncoder.
type Option func(*HardwareVideoEncoder)

// WithLogger sets the logger; each session adds its id to it.
func WithLogger(l encoderlog.Logger) Option {
	return func(e *HardwareVideoEncoder) {
		if l != nil {
			e.baseLogger = l
		}
	}
}

// WithClock replaces time.Now for stall and keyframe timing.
func WithClock(now func() time.Time) Option {
	return func(e *HardwareVideoEncoder) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSharedContext enables surface mode when the codec supports it.
func WithSharedContext(ctx egl.SharedContext) Option {
	return func(e *HardwareVideoEncoder) { e.sharedContext = ctx }
}

// WithBitrateAdjuster overrides the adjuster selected by Config.Adjuster.
func WithBitrateAdjuster(a bitrate.Adjuster) Option {
	return func(e *HardwareVideoEncoder) {
		if a != nil {
			e.rates = newRateControl(a)
		}
	}
}

// New returns an uninitialized encoder that creates sessions from factory.
func New(factory mediacodec.Factory, cfg Config, opts ...Option) *HardwareVideoEncoder {
	cfg = cfg.withDefaults()
	e := &HardwareVideoEncoder{
		factory:    factory,
		cfg:        cfg,
		baseLogger: encoderlog.L().Named("hw-encoder"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rates == nil {
		e.rates = newRateControl(bitrate.New(cfg.Adjuster))
	}
	e.logger = e.baseLogger
	e.pending = newPendingQueue(cfg.MaxPendingFrames)
	e.stall = newStallDetector(cfg.StallTimeout, cfg.StuckResetThreshold)
	return e
}

func (e *HardwareVideoEncoder) State() State { return State(e.state.Load()) }

func (e *HardwareVideoEncoder) setState(s State) { e.state.Store(int32(s)) }

func (e *HardwareVideoEncoder) canUseSurface() bool {
	return e.sharedContext != nil && e.cfg.supportsSurface()
}

// InitEncode validates settings and opens the first codec session.
// Encoded frames go to callback on a dedicated goroutine. It returns
// StatusFallbackSoftware when no session can be opened.
func (e *HardwareVideoEncoder) InitEncode(settings Settings, callback Callback) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch st := e.State(); st {
	case StateUninitialized:
	case StateReleased:
		e.logger.Warn("init on released encoder")
		return StatusError
	default:
		e.logger.Warn("init on active encoder", encoderlog.String("state", st.String()))
		return StatusError
	}
	if callback == nil || settings.StartBitrate <= 0 || settings.MaxFramerate <= 0 {
		return StatusErrParameter
	}
	if err := videoframe.CheckAlignment(settings.Width, settings.Height); err != nil {
		e.logger.Warn("rejecting encode settings", encoderlog.Error(err))
		return StatusErrSize
	}

	e.settings = settings
	e.callback = callback
	e.width, e.height = settings.Width, settings.Height
	e.useSurface = e.canUseSurface()
	e.nextPtsUs = 0
	e.rates.setTargets(settings.StartBitrate, settings.MaxFramerate)

	return e.initEncodeInternal()
}

// initEncodeInternal opens a session for the current size and mode.
func (e *HardwareVideoEncoder) initEncodeInternal() Status {
	e.setState(StateConfiguring)
	e.id = uuid.NewString()
	e.logger = e.baseLogger.With(encoderlog.String("session", e.id))

	color := mediacodec.ColorFormatSurface
	if !e.useSurface {
		color = e.cfg.yuvColorFormat()
		if color == 0 {
			e.logger.Error("no usable input color format", encoderlog.String("codec", e.cfg.CodecName))
			e.setState(StateUninitialized)
			return StatusFallbackSoftware
		}
	}

	bps, fps := e.rates.adjusted()
	format := mediacodec.Format{
		Mime:                e.cfg.Mime,
		Width:               e.width,
		Height:              e.height,
		Bitrate:             bps,
		BitrateMode:         e.cfg.BitrateMode,
		FrameRate:           fps,
		KeyFrameIntervalSec: int(e.cfg.KeyFrameInterval / time.Second),
		ColorFormat:         color,
	}

	sess, err := openSession(e.factory, e.cfg, format, e.logger)
	if err != nil {
		e.logger.Error("hardware encoder unavailable, software fallback required",
			encoderlog.String("codec", e.cfg.CodecName),
			encoderlog.Error(err))
		e.setState(StateUninitialized)
		return StatusFallbackSoftware
	}
	if e.useSurface {
		if err := e.attachSurface(sess); err != nil {
			e.logger.Error("surface setup failed", encoderlog.Error(err))
			if rerr := sess.stopAndRelease(); rerr != nil {
				e.logger.Warn("release after surface failure", encoderlog.Error(rerr))
			}
			e.setState(StateUninitialized)
			return StatusFallbackSoftware
		}
	}

	now := e.now()
	e.sess = sess
	e.rates.markConfigured(bps)
	e.pending.clear()
	e.stall.reset(now)
	e.fault.Store(false)
	e.mismatches = 0
	e.forceKeyFrame = false
	e.lastKeyFrame = now

	gen := e.generation.Add(1)
	e.worker = &drainWorker{
		sess:           sess,
		pending:        e.pending,
		stall:          e.stall,
		rates:          e.rates,
		stats:          &e.stats,
		callback:       e.callback,
		logger:         e.logger.Named("drain"),
		now:            e.now,
		dequeueTimeout: e.cfg.DequeueOutputTimeout,
		releaseTimeout: e.cfg.ReleaseTimeout,
		onFault: func(error) {
			if e.generation.Load() != gen {
				return
			}
			e.stats.faults.Add(1)
			e.fault.Store(true)
		},
	}
	e.worker.start(e.cfg.DeliveryQueue)
	e.setState(StateRunning)

	e.logger.Info("encoder session started",
		encoderlog.String("codec", sess.name()),
		encoderlog.Int("width", e.width),
		encoderlog.Int("height", e.height),
		encoderlog.Bool("surface", e.useSurface),
		encoderlog.Int("bitrate_bps", bps),
		encoderlog.Float64("framerate", fps))
	return StatusOK
}

func (e *HardwareVideoEncoder) attachSurface(sess *session) error {
	base, err := e.sharedContext.CreateBase(sess.surface)
	if err != nil {
		return err
	}
	drawer, err := e.sharedContext.NewDrawer()
	if err != nil {
		base.Release()
		return err
	}
	if err := base.MakeCurrent(); err != nil {
		drawer.Release()
		base.Release()
		return err
	}
	e.eglBase, e.drawer = base, drawer
	return nil
}

// Encode submits one frame. The caller keeps ownership of frame. A
// resolution or input-mode change resets the session first, and
// StatusNoOutput means the frame was dropped without an error.
func (e *HardwareVideoEncoder) Encode(frame *videoframe.Frame, frameTypes []FrameType) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame == nil || frame.Buffer == nil {
		return StatusErrParameter
	}
	if e.sess == nil {
		return StatusUninitialized
	}
	w, h := frame.Width(), frame.Height()
	if err := videoframe.CheckAlignment(w, h); err != nil {
		e.logger.Warn("rejecting frame", encoderlog.Error(err))
		return StatusErrSize
	}

	if e.fault.Load() {
		e.logger.Warn("resetting after codec fault")
		if s := e.resetCodec(e.width, e.height, e.useSurface); s != StatusOK {
			return s
		}
	}

	wantSurface := frame.Buffer.Kind() == videoframe.KindTexture && e.canUseSurface()
	if wantSurface != e.useSurface {
		e.mismatches++
		e.stats.modeMismatches.Add(1)
		if e.mismatches >= e.cfg.ModeMismatchThreshold {
			e.logger.Info("switching input mode",
				encoderlog.Bool("surface", wantSurface),
				encoderlog.Int("mismatched_frames", e.mismatches))
			if s := e.resetCodec(w, h, wantSurface); s != StatusOK {
				return s
			}
		}
	} else {
		e.mismatches = 0
	}

	if w != e.width || h != e.height {
		e.logger.Info("resolution changed",
			encoderlog.Int("width", w),
			encoderlog.Int("height", h))
		if s := e.resetCodec(w, h, e.useSurface); s != StatusOK {
			return s
		}
	}

	now := e.now()
	if e.pending.len() >= e.pending.capacity() {
		e.stats.framesDropped.Add(1)
		e.logger.Debug("dropped frame, encoder queue full", encoderlog.Int("pending", e.pending.len()))
		if s := e.checkStall(now); s != StatusOK {
			return s
		}
		return StatusNoOutput
	}
	if s := e.checkStall(now); s != StatusOK {
		return s
	}

	if e.shouldForceKeyFrame(frameTypes, now) {
		if err := e.sess.requestKeyFrame(); err != nil {
			return e.recoverFromFault(err)
		}
		e.forceKeyFrame = false
		e.lastKeyFrame = now
	}

	meta := pendingFrame{
		captureTimeNs: frame.TimestampNs,
		ptsUs:         e.nextPtsUs,
		rotation:      frame.Rotation,
		width:         w,
		height:        h,
	}
	// Record before submitting; the codec may emit output before queue
	// returns.
	e.pending.push(meta)

	var status Status
	if e.useSurface {
		status = e.encodeTexture(frame, meta)
	} else {
		status = e.encodeByteBuffer(frame, meta)
	}
	if status != StatusOK {
		e.pending.dropNewest()
		return status
	}

	e.nextPtsUs += e.frameIntervalUs()
	e.stats.framesSubmitted.Add(1)
	return StatusOK
}

func (e *HardwareVideoEncoder) frameIntervalUs() int64 {
	_, fps := e.rates.adjusted()
	if fps <= 0 {
		fps = bitrate.FixedFramerate
	}
	return int64(math.Round(1e6 / fps))
}

func (e *HardwareVideoEncoder) shouldForceKeyFrame(frameTypes []FrameType, now time.Time) bool {
	if e.forceKeyFrame {
		return true
	}
	for _, t := range frameTypes {
		if t == FrameTypeKey {
			return true
		}
	}
	return e.cfg.ForcedKeyFrameInterval > 0 && now.Sub(e.lastKeyFrame) >= e.cfg.ForcedKeyFrameInterval
}

// checkStall runs stall detection and applies the recovery it calls for.
func (e *HardwareVideoEncoder) checkStall(now time.Time) Status {
	switch e.stall.observe(now, e.pending.len(), e.pending.capacity()) {
	case stallSoft:
		e.setState(StateStuck)
		e.stats.softRecoveries.Add(1)
		dropped := e.pending.clear()
		e.forceKeyFrame = true
		e.logger.Warn("encoder stalled, clearing pending frames",
			encoderlog.Int("dropped", dropped),
			encoderlog.Duration("since_output", now.Sub(e.stall.lastOutput())))
		return StatusOK
	case stallHard:
		e.setState(StateStuck)
		e.stats.hardResets.Add(1)
		e.logger.Error("encoder stalled repeatedly, resetting codec",
			encoderlog.Duration("since_output", now.Sub(e.stall.lastOutput())))
		return e.resetCodec(e.width, e.height, e.useSurface)
	}
	if e.State() == StateStuck && e.stall.recovered() {
		e.logger.Info("encoder output resumed")
		e.setState(StateRunning)
	}
	return StatusOK
}

// recoverFromFault replaces a session that raised a codec fault. The frame
// being processed is lost.
func (e *HardwareVideoEncoder) recoverFromFault(err error) Status {
	e.stats.faults.Add(1)
	e.logger.Error("codec fault, resetting", encoderlog.Error(err))
	if s := e.resetCodec(e.width, e.height, e.useSurface); s != StatusOK {
		return s
	}
	return StatusError
}

// resetCodec tears the session down and starts a new one with the given
// size and input mode.
func (e *HardwareVideoEncoder) resetCodec(width, height int, surface bool) Status {
	e.setState(StateResetting)
	e.stats.resets.Add(1)
	if s := e.releaseSession(); s != StatusOK {
		e.logger.Warn("previous session released uncleanly", encoderlog.String("status", s.String()))
	}
	e.width, e.height, e.useSurface = width, height, surface
	e.settings.Width, e.settings.Height = width, height
	return e.initEncodeInternal()
}

// releaseSession stops the drain worker, which releases the codec, then
// drops the GPU objects.
func (e *HardwareVideoEncoder) releaseSession() Status {
	if e.worker == nil {
		return StatusOK
	}
	e.generation.Add(1)
	err := e.worker.stop()
	e.worker = nil
	e.sess = nil
	if e.drawer != nil {
		e.drawer.Release()
		e.drawer = nil
	}
	if e.eglBase != nil {
		e.eglBase.Release()
		e.eglBase = nil
	}
	e.pending.clear()

	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, errReleaseTimeout):
		e.logger.Error("encoder release timed out", encoderlog.Error(err))
		return StatusTimeout
	default:
		e.logger.Error("encoder release failed", encoderlog.Error(err))
		return StatusError
	}
}

// SetRates updates the target bitrate and frame rate. The codec is only
// reconfigured when the adjusted bitrate actually changes.
func (e *HardwareVideoEncoder) SetRates(bitrateBps int, framerate float64) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bitrateBps <= 0 || framerate <= 0 || math.IsNaN(framerate) || math.IsInf(framerate, 0) {
		return StatusErrParameter
	}
	if e.sess == nil {
		return StatusUninitialized
	}
	e.rates.setTargets(bitrateBps, framerate)
	if bps, changed := e.rates.pending(); changed {
		if err := e.sess.setBitrate(bps); err != nil {
			return e.recoverFromFault(err)
		}
		e.logger.Debug("rates updated",
			encoderlog.Int("bitrate_bps", bps),
			encoderlog.Float64("framerate", framerate))
	}
	return StatusOK
}

// Release stops the session. It is safe from any state and idempotent.
func (e *HardwareVideoEncoder) Release() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == StateReleased {
		return StatusOK
	}
	status := e.releaseSession()
	e.setState(StateReleased)
	e.logger.Info("encoder released", encoderlog.String("status", status.String()))
	return status
}

// GetPendingInputFrames is safe to call from any goroutine.
func (e *HardwareVideoEncoder) GetPendingInputFrames() int { return e.pending.len() }

// ImplementationName identifies the encoder and its codec in stats and logs.
func (e *HardwareVideoEncoder) ImplementationName() string {
	return "HWEncoder:" + e.cfg.CodecName
}

// OutputMime is the configured codec mime type.
func (e *HardwareVideoEncoder) OutputMime() string { return e.cfg.Mime }

// Stats returns a snapshot of counters and current session parameters.
func (e *HardwareVideoEncoder) Stats() Stats {
	e.mu.Lock()
	id, surface, w, h := e.id, e.useSurface, e.width, e.height
	busy := 0
	if e.worker != nil {
		busy = e.worker.busy.value()
	}
	e.mu.Unlock()

	target, configured := e.rates.snapshot()
	return Stats{
		SessionID:            id,
		State:                e.State(),
		SurfaceMode:          surface,
		Width:                w,
		Height:               h,
		FramesSubmitted:      e.stats.framesSubmitted.Load(),
		FramesDropped:        e.stats.framesDropped.Load(),
		NoInputBuffer:        e.stats.noInputBuffer.Load(),
		ModeMismatches:       e.stats.modeMismatches.Load(),
		SoftRecoveries:       e.stats.softRecoveries.Load(),
		HardResets:           e.stats.hardResets.Load(),
		Resets:               e.stats.resets.Load(),
		Faults:               e.stats.faults.Load(),
		OrphanOutputs:        e.stats.orphanOutputs.Load(),
		FramesEmitted:        e.stats.framesEmitted.Load(),
		KeyFramesEmitted:     e.stats.keyFramesEmitted.Load(),
		BytesEmitted:         e.stats.bytesEmitted.Load(),
		PendingFrames:        e.pending.len(),
		BusyOutputBuffers:    busy,
		TargetBitrateBps:     target,
		ConfiguredBitrateBps: configured,
	}
}
