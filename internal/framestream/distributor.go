package framestream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/hwvideo/internal/encoder"
	"github.com/mikeyg42/hwvideo/internal/encoderlog"
)

// Sink consumes encoded frames. WriteFrame runs on the sink's own
// goroutine; the distributor releases the frame after it returns.
type Sink interface {
	Name() string
	WriteFrame(frame *encoder.EncodedFrame) error
	Close() error
}

// MimeSink is a Sink that can only consume one payload format.
type MimeSink interface {
	Sink
	Mime() string
}

// Distributor fans encoded frames out to an injected list of sinks. Each
// sink gets a bounded queue and a goroutine, so a slow sink drops its own
// frames without stalling the encoder's delivery goroutine or its peers.
type Distributor struct {
	logger encoderlog.Logger
	queue  int

	// mu guards consumers against Stop closing their channels mid-send.
	mu        sync.RWMutex
	consumers []*consumer
	wg        sync.WaitGroup

	isRunning    atomic.Bool
	needKeyFrame atomic.Bool

	stats struct {
		totalFrames   atomic.Int64
		droppedFrames atomic.Int64
		lastFrameTime atomic.Value // time.Time
	}
}

type consumer struct {
	sink Sink
	ch   chan *encoder.EncodedFrame
	// awaitingKey is set after a drop; deltas are withheld until the next
	// key frame so the sink never sees a broken reference chain.
	awaitingKey atomic.Bool
	disabled    atomic.Bool

	delivered atomic.Int64
	dropped   atomic.Int64
	errors    atomic.Int64
}

// SinkStats are per-sink counters.
type SinkStats struct {
	Name      string
	Delivered int64
	Dropped   int64
	Errors    int64
	Disabled  bool
}

// DistributorStats tracks fan-out health.
type DistributorStats struct {
	TotalFrames   int64
	DroppedFrames int64
	LastFrameTime time.Time
	Sinks         []SinkStats
}

type DistributorOption func(*Distributor)

func WithDistributorLogger(l encoderlog.Logger) DistributorOption {
	return func(d *Distributor) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithQueueSize sets each sink's queue length.
func WithQueueSize(n int) DistributorOption {
	return func(d *Distributor) {
		if n > 0 {
			d.queue = n
		}
	}
}

// NewDistributor returns a stopped distributor over sinks.
func NewDistributor(sinks []Sink, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		logger: encoderlog.L().Named("distributor"),
		queue:  30,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, s := range sinks {
		c := &consumer{sink: s}
		c.awaitingKey.Store(true)
		d.consumers = append(d.consumers, c)
	}
	d.stats.lastFrameTime.Store(time.Time{})
	return d
}

// Start spawns one goroutine per sink.
func (d *Distributor) Start() error {
	if !d.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("distributor already running")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.consumers {
		c.ch = make(chan *encoder.EncodedFrame, d.queue)
		d.wg.Add(1)
		go d.drain(c)
	}
	d.logger.Info("distributor started", encoderlog.Int("sinks", len(d.consumers)))
	return nil
}

func (d *Distributor) drain(c *consumer) {
	defer d.wg.Done()
	for frame := range c.ch {
		if err := c.sink.WriteFrame(frame); err != nil {
			if c.errors.Add(1)%100 == 1 {
				d.logger.Warn("sink write failed",
					encoderlog.String("sink", c.sink.Name()),
					encoderlog.Int64("errors", c.errors.Load()),
					encoderlog.Error(err))
			}
		} else {
			c.delivered.Add(1)
		}
		frame.Release()
	}
}

// OnEncodedFrame implements encoder.Callback. It never blocks.
func (d *Distributor) OnEncodedFrame(frame *encoder.EncodedFrame) {
	defer frame.Release()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.isRunning.Load() {
		return
	}

	total := d.stats.totalFrames.Add(1)
	d.stats.lastFrameTime.Store(time.Now())

	for _, c := range d.consumers {
		if c.disabled.Load() {
			continue
		}
		if c.awaitingKey.Load() {
			if !frame.IsKey() {
				c.dropped.Add(1)
				continue
			}
			c.awaitingKey.Store(false)
		}
		frame.Retain()
		select {
		case c.ch <- frame:
		default:
			frame.Release()
			c.dropped.Add(1)
			c.awaitingKey.Store(true)
			d.needKeyFrame.Store(true)
			if n := d.stats.droppedFrames.Add(1); n%100 == 1 {
				d.logger.Warn("sink queue full",
					encoderlog.String("sink", c.sink.Name()),
					encoderlog.Int64("total_dropped", n))
			}
		}
	}

	if total%300 == 0 {
		d.logStats()
	}
}

// Restrict stops feeding every MimeSink whose format differs from mime and
// returns the names of the sinks it disabled. Other sinks are unaffected.
func (d *Distributor) Restrict(mime string) []string {
	var names []string
	for _, c := range d.consumers {
		ms, ok := c.sink.(MimeSink)
		if !ok || ms.Mime() == mime {
			continue
		}
		if !c.disabled.Swap(true) {
			names = append(names, c.sink.Name())
		}
	}
	return names
}

// TakeKeyFrameRequest reports whether a sink lost a frame since the last
// call and now waits for a key frame.
func (d *Distributor) TakeKeyFrameRequest() bool {
	return d.needKeyFrame.Swap(false)
}

func (d *Distributor) logStats() {
	for _, s := range d.GetStats().Sinks {
		d.logger.Info("sink stats",
			encoderlog.String("sink", s.Name),
			encoderlog.Int64("delivered", s.Delivered),
			encoderlog.Int64("dropped", s.Dropped),
			encoderlog.Int64("errors", s.Errors))
	}
}

// Stop closes every sink queue, waits for the sinks to finish, then closes
// the sinks.
func (d *Distributor) Stop() error {
	if !d.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	d.mu.Lock()
	for _, c := range d.consumers {
		close(c.ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn("sinks did not drain in time")
	}

	var firstErr error
	for _, c := range d.consumers {
		if err := c.sink.Close(); err != nil {
			d.logger.Error("sink close failed", encoderlog.String("sink", c.sink.Name()), encoderlog.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.logStats()
	return firstErr
}

func (d *Distributor) IsRunning() bool { return d.isRunning.Load() }

func (d *Distributor) GetStats() DistributorStats {
	last, _ := d.stats.lastFrameTime.Load().(time.Time)
	st := DistributorStats{
		TotalFrames:   d.stats.totalFrames.Load(),
		DroppedFrames: d.stats.droppedFrames.Load(),
		LastFrameTime: last,
	}
	for _, c := range d.consumers {
		st.Sinks = append(st.Sinks, SinkStats{
			Name:      c.sink.Name(),
			Delivered: c.delivered.Load(),
			Dropped:   c.dropped.Load(),
			Errors:    c.errors.Load(),
			Disabled:  c.disabled.Load(),
		})
	}
	return st
}
