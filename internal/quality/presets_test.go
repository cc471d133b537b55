package quality

import "testing"

func TestLookup(t *testing.T) {
	p, err := Lookup("720P@30")
	if err != nil {
		t.Fatal(err)
	}
	if p.Width != 1280 || p.Height != 720 || p.StartKbps() != 3250 {
		t.Fatalf("got %v", p)
	}
	if _, err := Lookup("8K@60"); err == nil {
		t.Fatal("unknown preset accepted")
	}
}

func TestClosest(t *testing.T) {
	tests := []struct {
		w, h int
		fps  float64
		want string
	}{
		{1920, 1080, 30, "1080p@30"},
		{1280, 720, 24, "720p@24"},
		{854, 480, 30, "480p@30"},
		{800, 450, 30, "480p@30"},
		{640, 480, 30, "360p@20"},
		{320, 240, 15, "360p@20"},
		{0, 0, 30, "360p@20"},
	}
	for _, tt := range tests {
		if got := Closest(tt.w, tt.h, tt.fps); got.Name != tt.want {
			t.Errorf("Closest(%d, %d, %v) = %s, want %s", tt.w, tt.h, tt.fps, got.Name, tt.want)
		}
	}
}

func TestScaledClamps(t *testing.T) {
	small := Scaled(320, 240, 15)
	if small.MinKbps != 500 || small.MaxKbps < small.MinKbps {
		t.Fatalf("small band %v", small)
	}
	huge := Scaled(7680, 4320, 60)
	if huge.MaxKbps != 10000 || huge.MinKbps > 10000 {
		t.Fatalf("huge band %v", huge)
	}
	exact := Scaled(1280, 720, 30)
	if exact.MinKbps < 1749 || exact.MinKbps > 2500 {
		t.Fatalf("exact band %v", exact)
	}
}
