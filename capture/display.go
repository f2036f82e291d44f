package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// Display is one active physical display in absolute screen coordinates.
type Display struct {
	Index  int
	Bounds image.Rectangle
}

// Displays lists the active displays.
func Displays() []Display {
	n := screenshot.NumActiveDisplays()
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Display{Index: i, Bounds: screenshot.GetDisplayBounds(i)})
	}
	return out
}

// Locate finds the display containing the origin of region and returns region
// translated into that display's local coordinates, clipped to the display.
func Locate(region image.Rectangle, displays []Display) (Display, image.Rectangle, error) {
	region = region.Canon()
	if region.Empty() {
		return Display{}, image.Rectangle{}, fmt.Errorf("%w: empty region %v", ErrInvalidTarget, region)
	}
	for _, d := range displays {
		if !region.Min.In(d.Bounds) {
			continue
		}
		local := region.Intersect(d.Bounds).Sub(d.Bounds.Min)
		if local.Empty() {
			break
		}
		return d, local, nil
	}
	return Display{}, image.Rectangle{}, fmt.Errorf("%w: region %v is not on any display", ErrInvalidTarget, region)
}

func displayByIndex(i int, displays []Display) (Display, error) {
	for _, d := range displays {
		if d.Index == i {
			return d, nil
		}
	}
	return Display{}, fmt.Errorf("%w: display %d not found (%d active)", ErrInvalidTarget, i, len(displays))
}
