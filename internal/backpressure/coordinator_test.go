package backpressure

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/hwvideo/internal/encoderlog"
)

type fixedDepth int

func (d *fixedDepth) GetPendingInputFrames() int { return int(*d) }

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestCoordinator(t *testing.T, depth DepthReader, clock *stepClock) *Coordinator {
	return New(depth, DefaultConfig(),
		WithClock(clock.Now),
		WithLogger(encoderlog.NewZap(zaptest.NewLogger(t))))
}

func TestSkipRatioClimbsToCeilingUnderOverload(t *testing.T) {
	depth := fixedDepth(6)
	c := newTestCoordinator(t, &depth, &stepClock{now: time.Unix(0, 0), step: 10 * time.Millisecond})

	for i := 0; i < 2000; i++ {
		if d := c.Admit(); d == Accept {
			t.Fatalf("frame %d accepted with a full queue", i)
		}
		if r := c.SkipRatio(); r > 8 {
			t.Fatalf("skip ratio %d exceeds ceiling", r)
		}
	}
	if r := c.SkipRatio(); r != 8 {
		t.Fatalf("skip ratio = %d, want 8", r)
	}
	st := c.Stats()
	if st.Skipped == 0 || st.Overloaded == 0 || st.Accepted != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSkipRatioDecaysWhenIdle(t *testing.T) {
	depth := fixedDepth(6)
	clock := &stepClock{now: time.Unix(0, 0), step: 50 * time.Millisecond}
	c := newTestCoordinator(t, &depth, clock)
	for i := 0; i < 500; i++ {
		c.Admit()
	}
	if c.SkipRatio() != 8 {
		t.Fatalf("setup: skip ratio = %d", c.SkipRatio())
	}

	depth = 0
	for i := 0; i < 2000 && c.SkipRatio() > 1; i++ {
		c.Admit()
	}
	if r := c.SkipRatio(); r != 1 {
		t.Fatalf("skip ratio = %d, want 1", r)
	}
	for i := 0; i < 10; i++ {
		if d := c.Admit(); d != Accept {
			t.Fatalf("idle frame %d = %v", i, d)
		}
	}
}

func TestDecayWaitsForInterval(t *testing.T) {
	depth := fixedDepth(6)
	clock := &stepClock{now: time.Unix(0, 0)}
	c := newTestCoordinator(t, &depth, clock)
	for i := 0; i < 3; i++ {
		c.Admit()
	}
	if c.SkipRatio() != 2 {
		t.Fatalf("skip ratio = %d, want 2", c.SkipRatio())
	}

	depth = 0
	for i := 0; i < 20; i++ {
		c.Admit()
	}
	if c.SkipRatio() != 2 {
		t.Fatal("ratio decayed without time passing")
	}
	clock.now = clock.now.Add(time.Second)
	c.Admit()
	c.Admit()
	if c.SkipRatio() != 1 {
		t.Fatalf("skip ratio = %d, want 1 after interval", c.SkipRatio())
	}
}

func TestOverloadCounterIsConsecutive(t *testing.T) {
	depth := fixedDepth(5)
	c := newTestCoordinator(t, &depth, &stepClock{now: time.Unix(0, 0)})

	for i := 0; i < 10; i++ {
		depth = 5
		c.Admit()
		c.Admit()
		depth = 2
		if d := c.Admit(); d != Accept {
			t.Fatalf("round %d: %v", i, d)
		}
	}
	if c.SkipRatio() != 1 {
		t.Fatalf("skip ratio = %d, non-consecutive overloads must not escalate", c.SkipRatio())
	}
}

func TestCounterWraps(t *testing.T) {
	depth := fixedDepth(0)
	c := newTestCoordinator(t, &depth, &stepClock{now: time.Unix(0, 0)})
	c.counter = math.MaxUint32 - 1
	for i := 0; i < 4; i++ {
		if d := c.Admit(); d != Accept {
			t.Fatalf("admit across wrap = %v", d)
		}
	}
}
