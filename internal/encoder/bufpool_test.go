package encoder

import "testing"

func TestPayloadPoolReuse(t *testing.T) {
	p := newPayloadPool(1 << 16)

	b := p.get(1000)
	if len(b) != 1000 || cap(b) != 1024 {
		t.Fatalf("len %d cap %d", len(b), cap(b))
	}
	p.put(b)
	p.get(900)
	if p.allocated.Load() > 2 {
		t.Fatalf("allocated %d buffers for one bucket", p.allocated.Load())
	}

	big := p.get(1 << 20)
	if len(big) != 1<<20 || p.misses.Load() != 1 {
		t.Fatalf("oversized get: len %d misses %d", len(big), p.misses.Load())
	}
	p.put(big) // ignored
	p.put(make([]byte, 100))
}

func TestRoundUpPowerOf2(t *testing.T) {
	for in, want := range map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 1000: 1024, 1024: 1024, 1025: 2048} {
		if got := roundUpPowerOf2(in); got != want {
			t.Fatalf("roundUpPowerOf2(%d) = %d, want %d", in, got, want)
		}
	}
}
