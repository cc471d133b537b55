package bitrate

import "testing"

func feed(a Adjuster, frames, size int) {
	for i := 0; i < frames; i++ {
		a.ReportEncodedFrame(size)
	}
}

func TestBasePassesThrough(t *testing.T) {
	b := NewBase()
	b.SetTargets(1_000_000, 30)
	feed(b, 300, 50_000)
	if b.AdjustedBitrateBps() != 1_000_000 || b.AdjustedFramerate() != 30 {
		t.Fatalf("got %d/%v", b.AdjustedBitrateBps(), b.AdjustedFramerate())
	}
}

func TestFramerateScalesBitrate(t *testing.T) {
	f := NewFramerate()
	f.SetTargets(600_000, 15)
	if f.AdjustedFramerate() != FixedFramerate {
		t.Fatalf("framerate = %v", f.AdjustedFramerate())
	}
	if f.AdjustedBitrateBps() != 1_200_000 {
		t.Fatalf("bitrate = %d, want 1200000", f.AdjustedBitrateBps())
	}
}

func TestDynamicLowersBitrateOnOvershoot(t *testing.T) {
	d := NewDynamic()
	d.SetTargets(240_000, 30) // 1000 bytes per frame
	feed(d, 91, 2000)         // just over 3 s of media at double size

	if d.ScaleExponent() >= 0 {
		t.Fatalf("exponent = %d, want negative", d.ScaleExponent())
	}
	if got := d.AdjustedBitrateBps(); got >= 240_000 {
		t.Fatalf("adjusted = %d, want below target", got)
	}
}

func TestDynamicRaisesBitrateOnUndershoot(t *testing.T) {
	d := NewDynamic()
	d.SetTargets(240_000, 30)
	feed(d, 91, 100)
	if got := d.AdjustedBitrateBps(); got <= 240_000 {
		t.Fatalf("adjusted = %d, want above target", got)
	}
}

func TestDynamicStaysWithinScaleBounds(t *testing.T) {
	d := NewDynamic()
	d.SetTargets(240_000, 30)
	feed(d, 30*60*5, 100_000)

	if d.ScaleExponent() != -scaleSteps {
		t.Fatalf("exponent = %d, want %d", d.ScaleExponent(), -scaleSteps)
	}
	if got := d.AdjustedBitrateBps(); got != 60_000 {
		t.Fatalf("adjusted = %d, want target/maxScale = 60000", got)
	}
}

func TestDynamicOnTargetIsStable(t *testing.T) {
	d := NewDynamic()
	d.SetTargets(240_000, 30)
	feed(d, 900, 1000)
	if d.AdjustedBitrateBps() != 240_000 {
		t.Fatalf("adjusted = %d", d.AdjustedBitrateBps())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindBase, KindDynamic, KindFramerate} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("magic"); err == nil {
		t.Fatal("expected error")
	}
}
