package capture

import (
	"errors"
	"image"
	"testing"
)

func TestLocate(t *testing.T) {
	t.Parallel()

	displays := []Display{
		{Index: 0, Bounds: image.Rect(0, 0, 1920, 1080)},
		{Index: 1, Bounds: image.Rect(1920, -200, 1920+2560, -200+1440)},
	}

	tests := []struct {
		name      string
		region    image.Rectangle
		wantIndex int
		wantLocal image.Rectangle
		wantErr   bool
	}{
		{
			name:      "primary",
			region:    image.Rect(100, 100, 500, 400),
			wantIndex: 0,
			wantLocal: image.Rect(100, 100, 500, 400),
		},
		{
			name:      "secondary translated",
			region:    image.Rect(2000, 0, 2800, 600),
			wantIndex: 1,
			wantLocal: image.Rect(80, 200, 880, 800),
		},
		{
			name:      "clipped to containing display",
			region:    image.Rect(1800, 100, 2100, 300),
			wantIndex: 0,
			wantLocal: image.Rect(1800, 100, 1920, 300),
		},
		{
			name:      "negative origin",
			region:    image.Rect(1920, -200, 2020, -100),
			wantIndex: 1,
			wantLocal: image.Rect(0, 0, 100, 100),
		},
		{
			name:    "off screen",
			region:  image.Rect(-500, -500, -100, -100),
			wantErr: true,
		},
		{
			name:    "empty",
			region:  image.Rect(10, 10, 10, 50),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, local, err := Locate(tt.region, displays)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("err = %v, want ErrInvalidTarget", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Locate: %v", err)
			}
			if d.Index != tt.wantIndex || local != tt.wantLocal {
				t.Errorf("Locate = %d %v, want %d %v", d.Index, local, tt.wantIndex, tt.wantLocal)
			}
		})
	}
}

func TestDisplayByIndex(t *testing.T) {
	t.Parallel()

	displays := []Display{{Index: 0, Bounds: image.Rect(0, 0, 10, 10)}}
	if _, err := displayByIndex(0, displays); err != nil {
		t.Errorf("displayByIndex(0): %v", err)
	}
	if _, err := displayByIndex(3, displays); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("displayByIndex(3) err = %v", err)
	}
}
