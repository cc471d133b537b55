// Package backpressure skips frames at the source when the encoder falls
// behind. A Coordinator watches the encoder's pending-input depth and
// converges on a skip ratio the hardware can sustain.
package backpressure

import (
	"sync/atomic"
	"time"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
)

// DepthReader exposes the encoder's in-flight frame count. Implementations
// must be safe to call from the producer goroutine without locking.
type DepthReader interface {
	GetPendingInputFrames() int
}

// Config tunes the control loop.
type Config struct {
	// QueueCap is the encoder's pending-frame cap.
	QueueCap int
	// SoftThreshold is the depth at which frames are dropped as overload.
	// Zero means QueueCap-1.
	SoftThreshold     int
	OverloadThreshold int
	MaxSkipRatio      int
	DecayInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueCap:          6,
		OverloadThreshold: 3,
		MaxSkipRatio:      8,
		DecayInterval:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = c.QueueCap - 1
	}
	if c.OverloadThreshold <= 0 {
		c.OverloadThreshold = d.OverloadThreshold
	}
	if c.MaxSkipRatio <= 0 {
		c.MaxSkipRatio = d.MaxSkipRatio
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = d.DecayInterval
	}
	return c
}

// Decision is the verdict for one captured frame.
type Decision int

const (
	Accept Decision = iota
	// DropSkipped means the frame fell outside the current skip ratio.
	DropSkipped
	// DropOverloaded means the encoder queue was near its cap.
	DropOverloaded
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case DropSkipped:
		return "skipped"
	case DropOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Stats are readable from any goroutine.
type Stats struct {
	Accepted   uint64
	Skipped    uint64
	Overloaded uint64
	SkipRatio  int
}

// Coordinator is driven from the frame producer's goroutine. Only Stats and
// SkipRatio may be called concurrently with Admit.
type Coordinator struct {
	cfg    Config
	depth  DepthReader
	now    func() time.Time
	logger encoderlog.Logger

	counter    uint32
	overloads  int
	lastAdjust time.Time

	skipRatio  atomic.Int32
	accepted   atomic.Uint64
	skipped    atomic.Uint64
	overloaded atomic.Uint64
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l encoderlog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a coordinator that polls depth for the encoder's queue
// length. Zero fields in cfg take their defaults.
func New(depth DepthReader, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg.withDefaults(),
		depth:  depth,
		now:    time.Now,
		logger: encoderlog.L().Named("backpressure"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.skipRatio.Store(1)
	c.lastAdjust = c.now()
	return c
}

// Admit decides whether the next captured frame is offered to the encoder.
func (c *Coordinator) Admit() Decision {
	ratio := int(c.skipRatio.Load())
	c.counter++
	if c.counter%uint32(ratio) != 0 {
		c.skipped.Add(1)
		return DropSkipped
	}

	depth := c.depth.GetPendingInputFrames()
	now := c.now()

	if depth >= c.cfg.SoftThreshold {
		c.overloaded.Add(1)
		c.overloads++
		if c.overloads >= c.cfg.OverloadThreshold {
			c.overloads = 0
			if ratio < c.cfg.MaxSkipRatio {
				c.skipRatio.Store(int32(ratio + 1))
				c.lastAdjust = now
				c.logger.Info("encoder overloaded, skipping more frames",
					encoderlog.Int("skip_ratio", ratio+1),
					encoderlog.Int("depth", depth))
			}
		}
		return DropOverloaded
	}
	c.overloads = 0

	if depth == 0 && ratio > 1 && now.Sub(c.lastAdjust) >= c.cfg.DecayInterval {
		c.skipRatio.Store(int32(ratio - 1))
		c.lastAdjust = now
		c.logger.Debug("encoder idle, skipping fewer frames", encoderlog.Int("skip_ratio", ratio-1))
	}
	c.accepted.Add(1)
	return Accept
}

func (c *Coordinator) SkipRatio() int { return int(c.skipRatio.Load()) }

func (c *Coordinator) Stats() Stats {
	return Stats{
		Accepted:   c.accepted.Load(),
		Skipped:    c.skipped.Load(),
		Overloaded: c.overloaded.Load(),
		SkipRatio:  c.SkipRatio(),
	}
}
