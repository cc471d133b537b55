package bitrate

import "math"

const (
	// adjustmentWindowSec is how much encoded output is observed between
	// two adjustments.
	adjustmentWindowSec = 3.0
	// maxScale bounds the adjustment to [1/maxScale, maxScale].
	maxScale = 4.0
	// scaleSteps is the number of exponent steps between 1 and maxScale.
	scaleSteps = 20
)

const bitsPerByte = 8.0

// Dynamic watches the bytes the codec actually produces and scales the
// configured bitrate so the observed output converges on the target.
//
// Deviation is accumulated in bytes, clamped to one window worth of target
// output. Every adjustmentWindowSec of encoded media the accumulated
// deviation moves a scale exponent, and the adjusted bitrate is
// target * maxScale^(exp/scaleSteps).
type Dynamic struct {
	Base

	deviationBytes    float64
	sinceAdjustmentMs float64
	scaleExp          int
}

func NewDynamic() *Dynamic { return &Dynamic{} }

func (d *Dynamic) SetTargets(bps int, fps float64) {
	if d.targetBitrateBps > 0 && bps < d.targetBitrateBps {
		// Rescale what was accumulated so a lower target does not inherit a
		// deviation sized for the old one.
		d.deviationBytes = d.deviationBytes * float64(bps) / float64(d.targetBitrateBps)
	}
	d.Base.SetTargets(bps, fps)
}

func (d *Dynamic) ReportEncodedFrame(size int) {
	if d.targetFramerate <= 0 {
		return
	}
	expectedPerFrame := float64(d.targetBitrateBps) / bitsPerByte / d.targetFramerate
	d.deviationBytes += float64(size) - expectedPerFrame
	d.sinceAdjustmentMs += 1000.0 / d.targetFramerate

	threshold := float64(d.targetBitrateBps) / bitsPerByte
	limit := adjustmentWindowSec * threshold
	d.deviationBytes = math.Max(-limit, math.Min(limit, d.deviationBytes))

	if d.sinceAdjustmentMs <= 1000*adjustmentWindowSec {
		return
	}

	switch {
	case d.deviationBytes > threshold:
		steps := int(d.deviationBytes/threshold + 0.5)
		d.scaleExp = max(d.scaleExp-steps, -scaleSteps)
		d.deviationBytes = threshold
	case d.deviationBytes < -threshold:
		steps := int(-d.deviationBytes/threshold + 0.5)
		d.scaleExp = min(d.scaleExp+steps, scaleSteps)
		d.deviationBytes = -threshold
	}
	d.sinceAdjustmentMs = 0
}

func (d *Dynamic) AdjustedBitrateBps() int {
	return int(float64(d.targetBitrateBps) * math.Pow(maxScale, float64(d.scaleExp)/scaleSteps))
}

// ScaleExponent exposes the current adjustment step, for stats.
func (d *Dynamic) ScaleExponent() int { return d.scaleExp }
