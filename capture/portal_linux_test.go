//go:build linux

package capture

import (
	"errors"
	"image"
	"slices"
	"testing"

	"go2tv.app/screenrec/internal/portal"
)

func TestGstArgsFullStream(t *testing.T) {
	t.Parallel()

	args, w, h := gstArgs(42, image.Rect(0, 0, 1920, 1080), image.Rectangle{}, 30)
	if w != 1920 || h != 1080 {
		t.Errorf("dims = %dx%d", w, h)
	}
	if !slices.Contains(args, "path=42") || !slices.Contains(args, "fd=3") {
		t.Errorf("args missing pipewire source: %v", args)
	}
	if slices.Contains(args, "videocrop") {
		t.Errorf("unexpected crop: %v", args)
	}
	if !slices.Contains(args, "video/x-raw,format=BGRA,width=1920,height=1080,framerate=30/1") {
		t.Errorf("caps missing: %v", args)
	}
}

func TestGstArgsCrop(t *testing.T) {
	t.Parallel()

	args, w, h := gstArgs(7, image.Rect(0, 0, 1920, 1080), image.Rect(100, 200, 900, 800), 60)
	if w != 800 || h != 600 {
		t.Errorf("dims = %dx%d", w, h)
	}
	for _, want := range []string{"videocrop", "left=100", "top=200", "right=1020", "bottom=280"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
}

func TestSourceTypes(t *testing.T) {
	t.Parallel()

	both := portal.SourceTypeMonitor | portal.SourceTypeWindow
	cases := []struct {
		kind      Kind
		available uint32
		want      uint32
		wantErr   bool
	}{
		{KindDisplay, both, portal.SourceTypeMonitor, false},
		{KindRegion, both, portal.SourceTypeMonitor, false},
		{KindWindow, both, portal.SourceTypeWindow, false},
		{KindWindow, portal.SourceTypeMonitor, 0, true},
		{KindDisplay, portal.SourceTypeWindow, 0, true},
		{KindWindow, 0, portal.SourceTypeWindow, false},
	}
	for _, c := range cases {
		got, err := sourceTypes(c.kind, c.available)
		if (err != nil) != c.wantErr {
			t.Errorf("sourceTypes(%v, %#x) error = %v", c.kind, c.available, err)
			continue
		}
		if c.wantErr && !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("sourceTypes(%v, %#x) error = %v, want ErrInvalidTarget", c.kind, c.available, err)
		}
		if got != c.want {
			t.Errorf("sourceTypes(%v, %#x) = %#x, want %#x", c.kind, c.available, got, c.want)
		}
	}
}

func TestPickStream(t *testing.T) {
	t.Parallel()

	streams := []portal.Stream{
		{NodeID: 10, Position: [2]int32{0, 0}, Size: [2]int32{1920, 1080}},
		{NodeID: 11, Position: [2]int32{1920, 0}, Size: [2]int32{1280, 1024}},
	}

	s, crop, err := pickStream(RegionTarget(image.Rect(2000, 100, 2400, 400)), streams)
	if err != nil {
		t.Fatalf("pickStream: %v", err)
	}
	if s.NodeID != 11 || crop != image.Rect(80, 100, 480, 400) {
		t.Errorf("got node %d crop %v", s.NodeID, crop)
	}

	s, crop, _ = pickStream(DisplayTarget(1), streams)
	if s.NodeID != 11 || !crop.Empty() {
		t.Errorf("display 1: node %d crop %v", s.NodeID, crop)
	}

	s, _, _ = pickStream(DisplayTarget(5), streams)
	if s.NodeID != 10 {
		t.Errorf("out of range display picked node %d", s.NodeID)
	}
}
