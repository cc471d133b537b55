//go:build gstreamer

package gstcodec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// NamePrefix selects a specific element: "gst:x264enc". Any other name lets
// the codec pick the first available encoder for the configured mime.
const NamePrefix = "gst:"

var initOnce sync.Once

// Factory creates GStreamer-backed codec sessions.
type Factory struct {
	logger       encoderlog.Logger
	inputBuffers int
}

func NewFactory(logger encoderlog.Logger) *Factory {
	initOnce.Do(func() { gst.Init(nil) })
	if logger == nil {
		logger = encoderlog.L()
	}
	return &Factory{logger: logger.Named("gst"), inputBuffers: 4}
}

func (f *Factory) CreateByCodecName(name string) (mediacodec.Codec, error) {
	element := ""
	if strings.HasPrefix(name, NamePrefix) {
		element = strings.TrimPrefix(name, NamePrefix)
		if _, err := gst.NewElement(element); err != nil {
			return nil, fmt.Errorf("gstreamer element %q: %w", element, mediacodec.ErrCodecUnavailable)
		}
	}
	return &Codec{
		element:     element,
		logger:      f.logger,
		nInputs:     f.inputBuffers,
		outstanding: make(map[int][]byte),
		dequeued:    make(map[int]bool),
		notify:      make(chan struct{}, 1),
	}, nil
}

type codecState int

const (
	stateCreated codecState = iota
	stateConfigured
	stateStarted
	stateStopped
	stateReleased
)

type output struct {
	data  []byte
	ptsUs int64
	flags mediacodec.BufferFlag
}

// Codec drives one appsrc ! encoder ! appsink pipeline. Input buffers are
// host memory copied into GstBuffers on queue; outputs are collected by the
// appsink callback and handed out by index.
type Codec struct {
	element string
	logger  encoderlog.Logger
	nInputs int

	mu       sync.Mutex
	state    codecState
	format   mediacodec.Format
	profile  profile
	frameDur time.Duration

	pipeline *gst.Pipeline
	src      *app.Source
	enc      *gst.Element
	cancel   context.CancelFunc
	busDone  chan struct{}

	inputs   [][]byte
	free     []int
	dequeued map[int]bool

	ready         []output
	outstanding   map[int][]byte
	nextOut       int
	formatPending bool
	fatal         error

	notify chan struct{}
}

func (c *Codec) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile.element != "" {
		return NamePrefix + c.profile.element
	}
	if c.element != "" {
		return NamePrefix + c.element
	}
	return NamePrefix + "auto"
}

func (c *Codec) Configure(format mediacodec.Format, _ mediacodec.ConfigureFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return fmt.Errorf("configure: %w", mediacodec.ErrIllegalState)
	}
	if err := checkGeometry(format); err != nil {
		return err
	}
	srcCaps, err := rawCaps(format)
	if err != nil {
		return err
	}
	profiles, info, err := candidates(format.Mime, c.element)
	if err != nil {
		return err
	}

	var enc *gst.Element
	for _, p := range profiles {
		e, err := gst.NewElement(p.element)
		if err != nil || e == nil {
			continue
		}
		enc, c.profile = e, p
		break
	}
	if enc == nil {
		return fmt.Errorf("no gstreamer encoder available for %q: %w", format.Mime, mediacodec.ErrCodecUnavailable)
	}
	for k, v := range c.profile.props {
		if err := enc.SetProperty(k, v); err != nil {
			c.logger.Debug("encoder property not applied",
				encoderlog.String("element", c.profile.element),
				encoderlog.String("property", k),
				encoderlog.Error(err))
		}
	}
	if err := enc.SetProperty(c.profile.bitrateProp, c.profile.bitrateValue(format.Bitrate)); err != nil {
		return fmt.Errorf("set %s bitrate: %w", c.profile.element, err)
	}
	if err := enc.SetProperty(c.profile.keyIntProp, c.profile.keyIntValue(format.KeyFrameIntervalSec, format.FrameRate)); err != nil {
		c.logger.Debug("key interval not applied", encoderlog.String("element", c.profile.element), encoderlog.Error(err))
	}

	if err := c.buildLocked(enc, info, srcCaps); err != nil {
		return err
	}

	format.Stride = format.Width
	format.SliceHeight = format.Height
	c.format = format
	c.frameDur = time.Duration(float64(time.Second) / format.FrameRate)
	c.state = stateConfigured
	c.logger.Info("gstreamer encoder configured",
		encoderlog.String("element", c.profile.element),
		encoderlog.Bool("hardware", c.profile.hardware),
		encoderlog.String("caps", srcCaps))
	return nil
}

// buildLocked assembles appsrc ! videoconvert ! enc ! [parser] ! capsfilter ! appsink.
func (c *Codec) buildLocked(enc *gst.Element, info codecInfo, srcCaps string) error {
	pipe, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	srcElem, err := gst.NewElement("appsrc")
	if err != nil {
		return fmt.Errorf("failed to create appsrc: %w", err)
	}
	src := app.SrcFromElement(srcElem)
	src.SetCaps(gst.NewCapsFromString(srcCaps))
	src.SetStreamType(app.AppStreamTypeStream)
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("block", false)
	src.SetProperty("max-buffers", uint64(c.nInputs))

	conv, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}

	chain := []*gst.Element{srcElem, conv, enc}
	if info.parser != "" {
		if parser, err := gst.NewElement(info.parser); err == nil && parser != nil {
			if info.parser == "h264parse" || info.parser == "h265parse" {
				parser.SetProperty("config-interval", -1)
			}
			chain = append(chain, parser)
		}
	}

	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(info.sinkCaps))

	sinkElem, err := gst.NewElement("appsink")
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink := app.SinkFromElement(sinkElem)
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(64))
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: c.onSample})
	chain = append(chain, filter, sinkElem)

	if err := pipe.AddMany(chain...); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("failed to link %s pipeline: %w", c.profile.element, err)
	}

	c.pipeline, c.src, c.enc = pipe, src, enc
	return nil
}

func (c *Codec) CreateInputSurface() (mediacodec.Surface, error) {
	return nil, fmt.Errorf("gstreamer input surface: %w", mediacodec.ErrInvalidFormat)
}

func (c *Codec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConfigured {
		return fmt.Errorf("start: %w", mediacodec.ErrIllegalState)
	}
	luma := c.format.Stride * c.format.SliceHeight
	c.inputs = make([][]byte, c.nInputs)
	c.free = c.free[:0]
	for i := range c.inputs {
		c.inputs[i] = make([]byte, luma+luma/2)
		c.free = append(c.free, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.busDone = make(chan struct{})
	go c.monitorBus(ctx, c.pipeline.GetPipelineBus(), c.busDone)

	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s pipeline: %w", c.profile.element, err)
	}
	c.formatPending = true
	c.state = stateStarted
	c.signal()
	return nil
}

// onSample runs on a GStreamer streaming thread.
func (c *Codec) onSample(s *app.Sink) gst.FlowReturn {
	sample := s.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	defer sample.Unref()

	buf := sample.GetBuffer()
	if buf == nil {
		return gst.FlowOK
	}
	data := append([]byte(nil), buf.Bytes()...)

	var flags mediacodec.BufferFlag
	if buf.HasFlags(gst.BufferFlagHeader) {
		flags |= mediacodec.FlagCodecConfig
	}
	if !buf.HasFlags(gst.BufferFlagDeltaUnit) {
		flags |= mediacodec.FlagKeyFrame
	}
	var ptsUs int64
	if pts := buf.PresentationTimestamp(); pts != gst.ClockTimeNone {
		ptsUs = int64(uint64(pts) / 1000)
	}

	c.mu.Lock()
	if c.state != stateStarted {
		c.mu.Unlock()
		return gst.FlowFlushing
	}
	c.ready = append(c.ready, output{data: data, ptsUs: ptsUs, flags: flags})
	c.mu.Unlock()
	c.signal()
	return gst.FlowOK
}

func (c *Codec) monitorBus(ctx context.Context, bus *gst.Bus, done chan struct{}) {
	defer close(done)
	for {
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		switch msg.Type() {
		case gst.MessageEOS:
			c.logger.Debug("pipeline reached end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			c.logger.Error("pipeline error",
				encoderlog.String("element", c.profile.element),
				encoderlog.String("error", gerr.Error()),
				encoderlog.String("debug", gerr.DebugString()))
			c.mu.Lock()
			c.fatal = fmt.Errorf("%s: %s: %w", c.profile.element, gerr.Error(), mediacodec.ErrIllegalState)
			c.mu.Unlock()
			c.signal()
		case gst.MessageWarning:
			c.logger.Warn("pipeline warning", encoderlog.String("warning", msg.ParseWarning().Error()))
		}
	}
}

func (c *Codec) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Codec) usableLocked(op string) error {
	if c.state != stateStarted {
		return fmt.Errorf("%s: %w", op, mediacodec.ErrIllegalState)
	}
	if c.fatal != nil {
		return fmt.Errorf("%s: %w", op, c.fatal)
	}
	return nil
}

func (c *Codec) DequeueInputBuffer(time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked("dequeue input"); err != nil {
		return 0, err
	}
	if len(c.free) == 0 {
		return mediacodec.InfoTryAgainLater, nil
	}
	idx := c.free[0]
	c.free = c.free[1:]
	c.dequeued[idx] = true
	return idx, nil
}

func (c *Codec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted || !c.dequeued[index] {
		return nil, fmt.Errorf("input buffer %d: %w", index, mediacodec.ErrIllegalState)
	}
	return c.inputs[index], nil
}

func (c *Codec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags mediacodec.BufferFlag) error {
	c.mu.Lock()
	if err := c.usableLocked("queue input"); err != nil {
		c.mu.Unlock()
		return err
	}
	if !c.dequeued[index] || offset < 0 || offset+size > len(c.inputs[index]) {
		c.mu.Unlock()
		return fmt.Errorf("queue input %d: %w", index, mediacodec.ErrIllegalState)
	}
	// NewBufferFromBytes copies, so the slot is free again immediately.
	buf := gst.NewBufferFromBytes(c.inputs[index][offset : offset+size])
	delete(c.dequeued, index)
	c.free = append(c.free, index)
	src, dur := c.src, c.frameDur
	c.mu.Unlock()

	buf.SetPresentationTimestamp(gst.ClockTime(time.Duration(ptsUs) * time.Microsecond))
	buf.SetDuration(gst.ClockTime(dur))
	if ret := src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("push buffer: %s: %w", ret.String(), mediacodec.ErrIllegalState)
	}
	if flags&mediacodec.FlagEndOfStream != 0 {
		src.EndStream()
	}
	return nil
}

func (c *Codec) InputFormat() (mediacodec.Format, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < stateConfigured || c.state == stateReleased {
		return mediacodec.Format{}, fmt.Errorf("input format: %w", mediacodec.ErrIllegalState)
	}
	return c.format, nil
}

func (c *Codec) OutputFormat() (mediacodec.Format, error) {
	return c.InputFormat()
}

func (c *Codec) DequeueOutputBuffer(info *mediacodec.BufferInfo, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		if err := c.usableLocked("dequeue output"); err != nil {
			c.mu.Unlock()
			return 0, err
		}
		if c.formatPending {
			c.formatPending = false
			c.mu.Unlock()
			return mediacodec.InfoOutputFormatChanged, nil
		}
		if len(c.ready) > 0 {
			out := c.ready[0]
			c.ready = c.ready[1:]
			idx := c.nextOut
			c.nextOut++
			c.outstanding[idx] = out.data
			*info = mediacodec.BufferInfo{Size: len(out.data), PresentationTimeUs: out.ptsUs, Flags: out.flags}
			c.mu.Unlock()
			return idx, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-deadline.C:
			return mediacodec.InfoTryAgainLater, nil
		}
	}
}

func (c *Codec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.outstanding[index]
	if !ok {
		return nil, fmt.Errorf("output buffer %d: %w", index, mediacodec.ErrIllegalState)
	}
	return buf, nil
}

func (c *Codec) ReleaseOutputBuffer(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outstanding[index]; !ok {
		return fmt.Errorf("release output %d: %w", index, mediacodec.ErrIllegalState)
	}
	delete(c.outstanding, index)
	return nil
}

// SetParameters updates the encoder's bitrate property in place and
// requests a key frame with an upstream force-key-unit event.
func (c *Codec) SetParameters(p mediacodec.Params) error {
	c.mu.Lock()
	if err := c.usableLocked("set parameters"); err != nil {
		c.mu.Unlock()
		return err
	}
	enc, prof := c.enc, c.profile
	if p.VideoBitrate > 0 {
		c.format.Bitrate = p.VideoBitrate
	}
	c.mu.Unlock()

	if p.VideoBitrate > 0 {
		if err := enc.SetProperty(prof.bitrateProp, prof.bitrateValue(p.VideoBitrate)); err != nil {
			return fmt.Errorf("set %s bitrate: %w", prof.element, err)
		}
	}
	if p.RequestSyncFrame {
		st := gst.NewStructure("GstForceKeyUnit")
		st.SetValue("all-headers", true)
		if !enc.SendEvent(gst.NewCustomEvent(gst.EventTypeCustomUpstream, st)) {
			c.logger.Debug("force key unit not handled", encoderlog.String("element", prof.element))
		}
	}
	return nil
}

// Flush drops collected outputs; frames inside the pipeline still arrive.
func (c *Codec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return fmt.Errorf("flush: %w", mediacodec.ErrIllegalState)
	}
	c.ready = nil
	for idx := range c.dequeued {
		delete(c.dequeued, idx)
		c.free = append(c.free, idx)
	}
	return nil
}

func (c *Codec) Stop() error {
	c.mu.Lock()
	if c.state == stateReleased {
		c.mu.Unlock()
		return fmt.Errorf("stop: %w", mediacodec.ErrIllegalState)
	}
	wasStarted := c.state == stateStarted
	c.state = stateStopped
	c.ready = nil
	pipe, cancel, busDone := c.pipeline, c.cancel, c.busDone
	c.mu.Unlock()

	if !wasStarted {
		return nil
	}
	cancel()
	<-busDone
	if err := pipe.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

func (c *Codec) Release() error {
	c.mu.Lock()
	started := c.state == stateStarted
	c.mu.Unlock()
	if started {
		if err := c.Stop(); err != nil {
			c.logger.Warn("stop during release failed", encoderlog.Error(err))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline != nil && c.state != stateReleased {
		c.pipeline.SetState(gst.StateNull)
		c.pipeline.Unref()
	}
	c.pipeline, c.src, c.enc = nil, nil, nil
	c.state = stateReleased
	c.outstanding = make(map[int][]byte)
	return nil
}
