package encoder

import (
	"errors"
	"sync"
	"time"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
	"github.com/mikeyg42/hwvideo/internal/mediacodec"
)

// drainWorker owns the output side of one codec session. It pulls encoded
// buffers, pairs them with pending metadata and hands them to a delivery
// goroutine that invokes the callback. On stop it waits for consumers to
// return every buffer, then stops and releases the codec.
type drainWorker struct {
	sess     *session
	pending  *pendingQueue
	stall    *stallDetector
	rates    *rateControl
	stats    *counters
	callback Callback
	logger   encoderlog.Logger
	now      func() time.Time

	dequeueTimeout time.Duration
	releaseTimeout time.Duration
	onFault        func(error)

	busy         *busyCounter
	payloads     *payloadPool
	configHeader []byte
	faulted      bool

	deliveries   chan *EncodedFrame
	quit         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	deliveryDone chan struct{}
	releaseErr   error
}

func (w *drainWorker) start(queue int) {
	w.busy = newBusyCounter()
	if w.payloads == nil {
		w.payloads = newPayloadPool(8 << 20)
	}
	w.deliveries = make(chan *EncodedFrame, queue)
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	w.deliveryDone = make(chan struct{})

	go w.deliver()
	go w.run()
}

func (w *drainWorker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			w.teardown()
			return
		default:
		}
		w.deliverOutput()
	}
}

// deliver invokes the callback in order until the drain closes the channel.
func (w *drainWorker) deliver() {
	defer close(w.deliveryDone)
	for frame := range w.deliveries {
		w.callback.OnEncodedFrame(frame)
	}
}

func (w *drainWorker) deliverOutput() {
	if w.faulted {
		// The encoder resets on its next call; avoid spinning on a dead codec.
		select {
		case <-w.quit:
		case <-time.After(w.dequeueTimeout):
		}
		return
	}

	var info mediacodec.BufferInfo
	idx, err := w.sess.dequeueOutput(&info, w.dequeueTimeout)
	if err != nil {
		w.fault(err)
		return
	}
	switch {
	case idx == mediacodec.InfoOutputFormatChanged:
		if err := w.sess.refreshLayout(); err != nil {
			w.logger.Warn("output format changed but input format unavailable", encoderlog.Error(err))
			return
		}
		w.logger.Debug("output format changed")
		return
	case idx < 0:
		return
	}

	buf, err := w.sess.outputBuffer(idx)
	if err != nil {
		w.fault(err)
		return
	}
	end := info.Offset + info.Size
	if info.Offset < 0 || end > len(buf) {
		w.logger.Error("output buffer info out of range",
			encoderlog.Int("offset", info.Offset),
			encoderlog.Int("size", info.Size),
			encoderlog.Int("capacity", len(buf)))
		w.releaseOutput(idx)
		return
	}
	data := buf[info.Offset:end]
	w.stall.markOutput(w.now())

	if info.Flags&mediacodec.FlagCodecConfig != 0 {
		w.configHeader = append(w.configHeader[:0], data...)
		w.logger.Debug("cached codec config", encoderlog.Int("bytes", len(data)))
		w.releaseOutput(idx)
		return
	}

	w.rates.reportEncodedFrame(info.Size, w.sess, w.logger)

	meta, skipped, ok := w.pending.popFor(info.PresentationTimeUs)
	if skipped > 0 {
		w.logger.Debug("pending frames produced no output", encoderlog.Int("skipped", skipped))
	}
	if !ok {
		w.stats.orphanOutputs.Add(1)
		w.logger.Warn("output without pending frame", encoderlog.Int64("pts_us", info.PresentationTimeUs))
		w.releaseOutput(idx)
		return
	}

	key := info.Flags&mediacodec.FlagKeyFrame != 0
	var frame *EncodedFrame
	if key && len(w.configHeader) > 0 {
		payload := w.payloads.get(len(w.configHeader) + len(data))
		n := copy(payload, w.configHeader)
		copy(payload[n:], data)
		w.releaseOutput(idx)
		pool := w.payloads
		frame = newEncodedFrame(payload, func() { pool.put(payload) })
	} else {
		w.busy.increment()
		sess, busy, logger := w.sess, w.busy, w.logger
		frame = newEncodedFrame(data, func() {
			if err := sess.releaseOutput(idx); err != nil {
				logger.Debug("late output release", encoderlog.Int("index", idx), encoderlog.Error(err))
			}
			busy.decrement()
		})
	}
	frame.Width = meta.width
	frame.Height = meta.height
	frame.CaptureTimeNs = meta.captureTimeNs
	frame.Rotation = meta.rotation
	if key {
		frame.FrameType = FrameTypeKey
		w.stats.keyFramesEmitted.Add(1)
	}
	w.stats.framesEmitted.Add(1)
	w.stats.bytesEmitted.Add(uint64(len(frame.Buffer)))

	select {
	case w.deliveries <- frame:
	case <-w.quit:
		frame.Release()
	}
}

func (w *drainWorker) releaseOutput(idx int) {
	if err := w.sess.releaseOutput(idx); err != nil {
		w.logger.Warn("release output buffer", encoderlog.Int("index", idx), encoderlog.Error(err))
	}
}

func (w *drainWorker) fault(err error) {
	w.faulted = true
	w.logger.Error("codec fault while draining", encoderlog.Error(err))
	if w.onFault != nil {
		w.onFault(err)
	}
}

// teardown runs on the drain goroutine after quit.
func (w *drainWorker) teardown() {
	close(w.deliveries)
	<-w.deliveryDone

	if err := w.busy.waitForZero(w.releaseTimeout); err != nil {
		w.logger.Warn("output buffers still held at release",
			encoderlog.Int("busy", w.busy.value()),
			encoderlog.Duration("timeout", w.releaseTimeout))
		w.releaseErr = err
	}
	if err := w.sess.stopAndRelease(); err != nil {
		w.logger.Error("codec stop/release failed", encoderlog.Error(err))
		w.releaseErr = errors.Join(w.releaseErr, err)
	}
}

// stop signals the worker and waits for teardown. The session is released
// on return even when the worker misses the deadline, typically because a
// callback has not returned. A drain iteration still in flight then sees a
// released session instead of the codec.
func (w *drainWorker) stop() error {
	w.stopOnce.Do(func() { close(w.quit) })

	timer := time.NewTimer(w.releaseTimeout + 2*w.dequeueTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.releaseErr
	case <-timer.C:
		w.logger.Error("drain goroutine did not exit in time")
		if err := w.sess.stopAndRelease(); err != nil {
			return errors.Join(errReleaseTimeout, err)
		}
		return errReleaseTimeout
	}
}
