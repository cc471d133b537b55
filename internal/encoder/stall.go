package encoder

import (
	"sync/atomic"
	"time"
)

type stallVerdict int

const (
	stallNone stallVerdict = iota
	stallSoft
	stallHard
)

func (v stallVerdict) String() string {
	switch v {
	case stallSoft:
		return "soft"
	case stallHard:
		return "hard"
	default:
		return "none"
	}
}

// stallDetector decides when a codec that keeps accepting input but stops
// producing output needs recovery. lastOutput is written by the drain
// goroutine; everything else belongs to the encode goroutine.
type stallDetector struct {
	timeout   time.Duration
	threshold int

	lastOutputNs atomic.Int64

	consecutive int
	// outputAtDetection is lastOutputNs as seen by the previous detection.
	// A different value means real output arrived in between.
	outputAtDetection int64
}

func newStallDetector(timeout time.Duration, threshold int) *stallDetector {
	return &stallDetector{timeout: timeout, threshold: threshold}
}

// reset starts a fresh session's observation window.
func (d *stallDetector) reset(now time.Time) {
	ns := now.UnixNano()
	d.lastOutputNs.Store(ns)
	d.outputAtDetection = ns
	d.consecutive = 0
}

func (d *stallDetector) markOutput(now time.Time) {
	d.lastOutputNs.Store(now.UnixNano())
}

func (d *stallDetector) lastOutput() time.Time {
	return time.Unix(0, d.lastOutputNs.Load())
}

// recovered reports whether output arrived since the last detection.
func (d *stallDetector) recovered() bool {
	return d.lastOutputNs.Load() != d.outputAtDetection
}

// observe classifies the codec as healthy or stuck given the pending queue
// depth. A stuck codec gets soft recoveries until threshold consecutive
// detections without intervening output, then a hard reset.
func (d *stallDetector) observe(now time.Time, pending, capacity int) stallVerdict {
	last := d.lastOutputNs.Load()
	if now.UnixNano()-last <= int64(d.timeout) || pending < capacity-2 {
		return stallNone
	}
	if last != d.outputAtDetection {
		d.consecutive = 0
	}
	d.outputAtDetection = last
	d.consecutive++
	if d.consecutive >= d.threshold {
		d.consecutive = 0
		return stallHard
	}
	return stallSoft
}
