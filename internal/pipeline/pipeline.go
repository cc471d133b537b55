// Package pipeline wires capture, backpressure, encoding and fan-out
// together: Source -> Coordinator -> VideoEncoder -> Distributor -> sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mikeyg42/hwvideo/internal/backpressure"
	"github.com/mikeyg42/hwvideo/internal/config"
	"github.com/mikeyg42/hwvideo/internal/egl"
	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/framestream"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
	"github.com/mikeyg42/hwvideo/internal/videoframe"
)

// Pipeline owns one encoder and the distributor it feeds. HandleFrame and
// Run must be called from a single producer goroutine.
type Pipeline struct {
	id     string
	cfg    config.Config
	logger encoderlog.Logger

	source *framestream.Source
	dist   *framestream.Distributor
	coord  *backpressure.Coordinator
	hw     *encoder.HardwareVideoEncoder

	newSoftware func(encoderlog.Logger) encoder.VideoEncoder

	// active is read without mu by the coordinator; writes hold mu.
	active atomic.Pointer[activeEncoder]

	mu       sync.Mutex
	software bool
	started  bool

	stats struct {
		encoded      atomic.Int64
		noOutput     atomic.Int64
		errors       atomic.Int64
		keyRequests  atomic.Int64
		fallbacks    atomic.Int64
		lastStatus   atomic.Int32
		droppedInput atomic.Int64
	}
}

// Stats summarizes the pipeline and its components.
type Stats struct {
	ID             string
	Implementation string
	Software       bool
	Encoded        int64
	DroppedInput   int64
	NoOutput       int64
	Errors         int64
	KeyRequests    int64
	Fallbacks      int64
	LastStatus     encoder.Status
	Backpressure   backpressure.Stats
	Encoder        encoder.Stats
	Distributor    framestream.DistributorStats
}

type activeEncoder struct {
	encoder.VideoEncoder
}

type Option func(*options)

type options struct {
	logger      encoderlog.Logger
	shared      egl.SharedContext
	newSoftware func(encoderlog.Logger) encoder.VideoEncoder
	encoderOpts []encoder.Option
	bpOpts      []backpressure.Option
}

func WithLogger(l encoderlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSharedContext enables surface-mode encoding of texture frames.
func WithSharedContext(ctx egl.SharedContext) Option {
	return func(o *options) { o.shared = ctx }
}

// WithSoftwareEncoder replaces the JPEG fallback. Sinks bound to another
// format are disabled on fallback, so a same-codec software encoder keeps
// every sink fed.
func WithSoftwareEncoder(fn func(encoderlog.Logger) encoder.VideoEncoder) Option {
	return func(o *options) {
		if fn != nil {
			o.newSoftware = fn
		}
	}
}

// WithEncoderOptions passes extra options to the hardware encoder.
func WithEncoderOptions(opts ...encoder.Option) Option {
	return func(o *options) { o.encoderOpts = append(o.encoderOpts, opts...) }
}

// WithBackpressureOptions passes extra options to the coordinator.
func WithBackpressureOptions(opts ...backpressure.Option) Option {
	return func(o *options) { o.bpOpts = append(o.bpOpts, opts...) }
}

// New builds a stopped pipeline. source may be nil when frames are pushed
// with HandleFrame.
func New(factory mediacodec.Factory, source *framestream.Source, sinks []framestream.Sink, cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	encCfg, err := cfg.EncoderConfig()
	if err != nil {
		return nil, err
	}

	o := options{
		logger: encoderlog.L(),
		newSoftware: func(l encoderlog.Logger) encoder.VideoEncoder {
			return NewSoftwareEncoder(l)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	logger := o.logger.Named("pipeline").With(encoderlog.String("pipeline", id))

	encOpts := append([]encoder.Option{encoder.WithLogger(logger.Named("hw-encoder"))}, o.encoderOpts...)
	if o.shared != nil {
		encOpts = append(encOpts, encoder.WithSharedContext(o.shared))
	}

	p := &Pipeline{
		id:          id,
		cfg:         cfg,
		logger:      logger,
		source:      source,
		newSoftware: o.newSoftware,
		hw:          encoder.New(factory, encCfg, encOpts...),
		dist: framestream.NewDistributor(sinks,
			framestream.WithQueueSize(cfg.Sinks.QueueSize),
			framestream.WithDistributorLogger(logger.Named("distributor"))),
	}
	p.setActive(p.hw)
	p.coord = backpressure.New(p, cfg.BackpressureConfig(),
		append([]backpressure.Option{backpressure.WithLogger(logger.Named("backpressure"))}, o.bpOpts...)...)
	return p, nil
}

func (p *Pipeline) ID() string { return p.id }

// Start starts the distributor and initializes the hardware encoder,
// falling back to software when no hardware session can be opened.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	if err := p.dist.Start(); err != nil {
		return err
	}

	settings := p.cfg.Settings()
	status := p.hw.InitEncode(settings, p.dist)
	if status == encoder.StatusFallbackSoftware {
		status = p.switchToSoftwareLocked(settings)
	}
	if status != encoder.StatusOK {
		p.dist.Stop()
		return fmt.Errorf("encoder init failed: %s", status)
	}
	if !p.software {
		p.restrictSinks(p.hw)
	}
	p.started = true
	p.logger.Info("pipeline started",
		encoderlog.String("encoder", p.activeEncoder().ImplementationName()),
		encoderlog.Int("width", settings.Width),
		encoderlog.Int("height", settings.Height),
		encoderlog.Float64("fps", settings.MaxFramerate))
	return nil
}

func (p *Pipeline) switchToSoftwareLocked(settings encoder.Settings) encoder.Status {
	p.hw.Release()
	sw := p.newSoftware(p.logger)
	status := sw.InitEncode(settings, p.dist)
	if status != encoder.StatusOK {
		p.logger.Error("software fallback failed", encoderlog.String("status", status.String()))
		return status
	}
	p.setActive(sw)
	p.software = true
	p.stats.fallbacks.Add(1)
	p.logger.Warn("switched to software encoder", encoderlog.String("encoder", sw.ImplementationName()))
	p.restrictSinks(sw)
	return encoder.StatusOK
}

// restrictSinks stops feeding sinks that cannot decode what enc emits.
// An encoder that does not report its format is trusted to match.
func (p *Pipeline) restrictSinks(enc encoder.VideoEncoder) {
	mr, ok := enc.(encoder.MimeReporter)
	if !ok {
		return
	}
	mime := mr.OutputMime()
	for _, name := range p.dist.Restrict(mime) {
		p.logger.Warn("sink disabled, payload format unsupported",
			encoderlog.String("sink", name),
			encoderlog.String("mime", mime))
	}
}

func (p *Pipeline) setActive(enc encoder.VideoEncoder) {
	p.active.Store(&activeEncoder{enc})
}

func (p *Pipeline) activeEncoder() encoder.VideoEncoder {
	return p.active.Load().VideoEncoder
}

// GetPendingInputFrames reports the active encoder's queue depth, so the
// coordinator keeps working across a software fallback. It does not take
// the pipeline lock, which HandleFrame holds while encoding.
func (p *Pipeline) GetPendingInputFrames() int {
	return p.activeEncoder().GetPendingInputFrames()
}

// HandleFrame offers one captured frame. The frame is released before
// HandleFrame returns.
func (p *Pipeline) HandleFrame(frame *videoframe.Frame) encoder.Status {
	defer frame.Release()

	if d := p.coord.Admit(); d != backpressure.Accept {
		p.stats.droppedInput.Add(1)
		return encoder.StatusNoOutput
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return encoder.StatusUninitialized
	}

	types := []encoder.FrameType{encoder.FrameTypeDelta}
	if p.dist.TakeKeyFrameRequest() {
		p.stats.keyRequests.Add(1)
		types[0] = encoder.FrameTypeKey
	}

	status := p.activeEncoder().Encode(frame, types)
	if status == encoder.StatusFallbackSoftware && !p.software {
		if s := p.switchToSoftwareLocked(p.cfg.Settings()); s != encoder.StatusOK {
			p.record(s)
			return s
		}
		status = p.activeEncoder().Encode(frame, []encoder.FrameType{encoder.FrameTypeKey})
	}
	p.record(status)
	return status
}

func (p *Pipeline) record(status encoder.Status) {
	p.stats.lastStatus.Store(int32(status))
	switch status {
	case encoder.StatusOK:
		p.stats.encoded.Add(1)
	case encoder.StatusNoOutput:
		p.stats.noOutput.Add(1)
	default:
		if p.stats.errors.Add(1)%100 == 1 {
			p.logger.Warn("encode failed", encoderlog.String("status", status.String()))
		}
	}
}

// SetRates forwards new targets to the active encoder.
func (p *Pipeline) SetRates(bitrateBps int, framerate float64) encoder.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeEncoder().SetRates(bitrateBps, framerate)
}

// Run starts the pipeline, feeds it from the source until ctx is done or
// the source ends, then stops it.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return fmt.Errorf("pipeline has no source")
	}
	if err := p.Start(); err != nil {
		return err
	}
	runErr := p.source.Run(ctx, func(f *videoframe.Frame) { p.HandleFrame(f) })
	if err := p.Stop(); err != nil {
		return err
	}
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return nil
	}
	return runErr
}

// Stop releases the encoder, which flushes pending deliveries to the
// distributor, then stops the distributor and closes the sinks.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	active := p.activeEncoder()
	status := active.Release()
	if active != encoder.VideoEncoder(p.hw) {
		p.hw.Release()
	}
	p.mu.Unlock()

	distErr := p.dist.Stop()
	p.logger.Info("pipeline stopped",
		encoderlog.String("release_status", status.String()),
		encoderlog.Int64("encoded", p.stats.encoded.Load()),
		encoderlog.Int64("dropped_input", p.stats.droppedInput.Load()))
	if distErr != nil {
		return distErr
	}
	if status != encoder.StatusOK {
		return fmt.Errorf("encoder release: %s", status)
	}
	return nil
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	impl, sw := p.activeEncoder().ImplementationName(), p.software
	p.mu.Unlock()
	return Stats{
		ID:             p.id,
		Implementation: impl,
		Software:       sw,
		Encoded:        p.stats.encoded.Load(),
		DroppedInput:   p.stats.droppedInput.Load(),
		NoOutput:       p.stats.noOutput.Load(),
		Errors:         p.stats.errors.Load(),
		KeyRequests:    p.stats.keyRequests.Load(),
		Fallbacks:      p.stats.fallbacks.Load(),
		LastStatus:     encoder.Status(p.stats.lastStatus.Load()),
		Backpressure:   p.coord.Stats(),
		Encoder:        p.hw.Stats(),
		Distributor:    p.dist.GetStats(),
	}
}
