// Package sim is an in-process stand-in for a hardware encoder. It speaks
// the mediacodec protocol faithfully (buffer indices, config buffers,
// format-changed signals, stride padding) and produces deterministic
// Annex-B shaped payloads, so the encoder can be exercised without hardware.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// DefaultConfigHeader looks like an SPS and PPS pair.
var DefaultConfigHeader = []byte{0, 0, 0, 1, 0x67, 0x42, 0xc0, 0x1f, 0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}

// Options shape a simulated codec.
type Options struct {
	Name         string
	InputBuffers int
	// StrideAlign rounds stride and slice height up to this multiple.
	StrideAlign int
	// SemiPlanar reports NV12 input instead of I420.
	SemiPlanar bool
	// ConfigHeader is emitted once before the first frame; nil disables it.
	ConfigHeader []byte
	// MinFrameBytes floors the synthetic payload size.
	MinFrameBytes int
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "sim.video.encoder"
	}
	if o.InputBuffers <= 0 {
		o.InputBuffers = 4
	}
	if o.StrideAlign <= 0 {
		o.StrideAlign = 16
	}
	if o.MinFrameBytes <= 0 {
		o.MinFrameBytes = 16
	}
}

// InputRecord is one accepted submission.
type InputRecord struct {
	PresentationTimeUs int64
	Size               int
	FromSurface        bool
}

type output struct {
	data  []byte
	ptsUs int64
	flags mediacodec.BufferFlag
}

type codecState int

const (
	stateCreated codecState = iota
	stateConfigured
	stateStarted
	stateStopped
	stateReleased
)

// Codec is a simulated encoder session.
type Codec struct {
	opts Options

	mu            sync.Mutex
	state         codecState
	format        mediacodec.Format
	inputs        [][]byte
	freeInputs    []int
	queuedInputs  map[int]bool
	ready         []output
	outstanding   map[int][]byte
	nextOut       int
	formatPending bool
	configSent    bool
	forceKey      bool
	frames        int
	stalled       bool
	surface       *Surface

	records []InputRecord
	params  []mediacodec.Params

	failQueue   error
	failDequeue error
	failStop    error

	notify chan struct{}
}

// NewCodec returns an unconfigured codec.
func NewCodec(opts Options) *Codec {
	opts.defaults()
	return &Codec{
		opts:         opts,
		queuedInputs: make(map[int]bool),
		outstanding:  make(map[int][]byte),
		notify:       make(chan struct{}, 1),
	}
}

func (c *Codec) Name() string { return c.opts.Name }

func align(v, a int) int { return (v + a - 1) / a * a }

func (c *Codec) Configure(format mediacodec.Format, flags mediacodec.ConfigureFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateCreated {
		return fmt.Errorf("configure: %w", mediacodec.ErrIllegalState)
	}
	if format.Width <= 0 || format.Height <= 0 || format.Bitrate <= 0 || format.FrameRate <= 0 {
		return fmt.Errorf("configure %dx%d: %w", format.Width, format.Height, mediacodec.ErrInvalidFormat)
	}
	switch format.ColorFormat {
	case mediacodec.ColorFormatSurface:
	case mediacodec.ColorFormatYUV420Planar:
		if c.opts.SemiPlanar {
			return fmt.Errorf("configure planar on semi-planar codec: %w", mediacodec.ErrInvalidFormat)
		}
	case mediacodec.ColorFormatYUV420SemiPlanar:
		if !c.opts.SemiPlanar {
			return fmt.Errorf("configure semi-planar on planar codec: %w", mediacodec.ErrInvalidFormat)
		}
	default:
		return fmt.Errorf("configure color %v: %w", format.ColorFormat, mediacodec.ErrInvalidFormat)
	}
	format.Stride = align(format.Width, c.opts.StrideAlign)
	format.SliceHeight = align(format.Height, c.opts.StrideAlign)
	c.format = format
	c.state = stateConfigured
	return nil
}

func (c *Codec) CreateInputSurface() (mediacodec.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConfigured || c.format.ColorFormat != mediacodec.ColorFormatSurface {
		return nil, fmt.Errorf("create input surface: %w", mediacodec.ErrIllegalState)
	}
	c.surface = &Surface{codec: c}
	return c.surface, nil
}

func (c *Codec) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConfigured {
		return fmt.Errorf("start: %w", mediacodec.ErrIllegalState)
	}
	if c.format.ColorFormat != mediacodec.ColorFormatSurface {
		size := c.inputSizeLocked()
		c.inputs = make([][]byte, c.opts.InputBuffers)
		c.freeInputs = c.freeInputs[:0]
		for i := range c.inputs {
			c.inputs[i] = make([]byte, size)
			c.freeInputs = append(c.freeInputs, i)
		}
	}
	c.formatPending = true
	c.state = stateStarted
	c.signal()
	return nil
}

func (c *Codec) inputSizeLocked() int {
	luma := c.format.Stride * c.format.SliceHeight
	return luma + luma/2
}

func (c *Codec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted || c.format.ColorFormat == mediacodec.ColorFormatSurface {
		return 0, fmt.Errorf("dequeue input: %w", mediacodec.ErrIllegalState)
	}
	if len(c.freeInputs) == 0 {
		return mediacodec.InfoTryAgainLater, nil
	}
	idx := c.freeInputs[0]
	c.freeInputs = c.freeInputs[1:]
	c.queuedInputs[idx] = true
	return idx, nil
}

func (c *Codec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted || !c.queuedInputs[index] {
		return nil, fmt.Errorf("input buffer %d: %w", index, mediacodec.ErrIllegalState)
	}
	return c.inputs[index], nil
}

func (c *Codec) QueueInputBuffer(index, offset, size int, ptsUs int64, flags mediacodec.BufferFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted || !c.queuedInputs[index] {
		return fmt.Errorf("queue input %d: %w", index, mediacodec.ErrIllegalState)
	}
	if err := c.failQueue; err != nil {
		c.failQueue = nil
		return err
	}
	delete(c.queuedInputs, index)
	c.freeInputs = append(c.freeInputs, index)
	c.records = append(c.records, InputRecord{PresentationTimeUs: ptsUs, Size: size})
	c.encodeLocked(ptsUs)
	return nil
}

// encodeLocked turns one accepted input into ready outputs.
func (c *Codec) encodeLocked(ptsUs int64) {
	if !c.configSent && c.opts.ConfigHeader != nil {
		hdr := append([]byte(nil), c.opts.ConfigHeader...)
		c.ready = append(c.ready, output{data: hdr, ptsUs: ptsUs, flags: mediacodec.FlagCodecConfig})
		c.configSent = true
	}

	key := c.frames == 0 || c.forceKey
	c.forceKey = false
	c.frames++

	size := c.opts.MinFrameBytes
	if perFrame := int(float64(c.format.Bitrate) / 8 / c.format.FrameRate); perFrame > size {
		size = perFrame
	}
	data := make([]byte, size)
	copy(data, []byte{0, 0, 0, 1})
	var flags mediacodec.BufferFlag
	if key {
		data[4] = 0x65
		flags = mediacodec.FlagKeyFrame
	} else {
		data[4] = 0x41
	}
	if size >= 13 {
		binary.BigEndian.PutUint64(data[5:13], uint64(ptsUs))
	}
	c.ready = append(c.ready, output{data: data, ptsUs: ptsUs, flags: flags})
	c.signal()
}

func (c *Codec) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
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
		if c.state != stateStarted {
			c.mu.Unlock()
			return 0, fmt.Errorf("dequeue output: %w", mediacodec.ErrIllegalState)
		}
		if err := c.failDequeue; err != nil {
			c.failDequeue = nil
			c.mu.Unlock()
			return 0, err
		}
		if c.formatPending {
			c.formatPending = false
			c.mu.Unlock()
			return mediacodec.InfoOutputFormatChanged, nil
		}
		if !c.stalled && len(c.ready) > 0 {
			out := c.ready[0]
			c.ready = c.ready[1:]
			idx := c.nextOut
			c.nextOut++
			c.outstanding[idx] = out.data
			*info = mediacodec.BufferInfo{Offset: 0, Size: len(out.data), PresentationTimeUs: out.ptsUs, Flags: out.flags}
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

func (c *Codec) SetParameters(p mediacodec.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return fmt.Errorf("set parameters: %w", mediacodec.ErrIllegalState)
	}
	if p.VideoBitrate > 0 {
		c.format.Bitrate = p.VideoBitrate
	}
	if p.RequestSyncFrame {
		c.forceKey = true
	}
	c.params = append(c.params, p)
	return nil
}

func (c *Codec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return fmt.Errorf("flush: %w", mediacodec.ErrIllegalState)
	}
	c.ready = nil
	for idx := range c.queuedInputs {
		delete(c.queuedInputs, idx)
		c.freeInputs = append(c.freeInputs, idx)
	}
	return nil
}

func (c *Codec) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateReleased {
		return fmt.Errorf("stop: %w", mediacodec.ErrIllegalState)
	}
	c.state = stateStopped
	c.ready = nil
	if err := c.failStop; err != nil {
		c.failStop = nil
		return err
	}
	return nil
}

func (c *Codec) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateReleased
	c.outstanding = make(map[int][]byte)
	if c.surface != nil {
		c.surface.released.Store(true)
	}
	return nil
}

// submitSurface accepts a frame rendered into the input surface.
func (c *Codec) submitSurface(ptsUs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return fmt.Errorf("surface swap: %w", mediacodec.ErrIllegalState)
	}
	if err := c.failQueue; err != nil {
		c.failQueue = nil
		return err
	}
	c.records = append(c.records, InputRecord{PresentationTimeUs: ptsUs, FromSurface: true})
	c.encodeLocked(ptsUs)
	return nil
}

// ---- test and demo controls ----

// SetStalled holds back all output while true.
func (c *Codec) SetStalled(stalled bool) {
	c.mu.Lock()
	c.stalled = stalled
	c.mu.Unlock()
	if !stalled {
		c.signal()
	}
}

// FailNextQueue makes the next input submission return err.
func (c *Codec) FailNextQueue(err error) {
	c.mu.Lock()
	c.failQueue = err
	c.mu.Unlock()
}

// FailNextDequeue makes the next output dequeue return err.
func (c *Codec) FailNextDequeue(err error) {
	c.mu.Lock()
	c.failDequeue = err
	c.mu.Unlock()
	c.signal()
}

// FailStop makes Stop report err after stopping.
func (c *Codec) FailStop(err error) {
	c.mu.Lock()
	c.failStop = err
	c.mu.Unlock()
}

// Inputs returns every accepted submission in order.
func (c *Codec) Inputs() []InputRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]InputRecord(nil), c.records...)
}

// Params returns every parameter update in order.
func (c *Codec) Params() []mediacodec.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mediacodec.Params(nil), c.params...)
}

// Outstanding is the number of output buffers not yet released.
func (c *Codec) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// Released reports whether Release was called.
func (c *Codec) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReleased
}

// Format returns the configured format including derived stride.
func (c *Codec) Format() mediacodec.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}
