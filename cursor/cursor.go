// Package cursor records pointer telemetry for a recording: a move and click
// log on the recording timeline plus a directory of deduplicated cursor
// bitmaps the log refers to by id.
package cursor

import (
	"errors"
	"image"
)

var ErrNotImplemented = errors.New("cursor image capture is not implemented on this platform")

// Buttons is a bit set of pressed mouse buttons.
type Buttons uint8

const (
	ButtonLeft Buttons = 1 << iota
	ButtonRight
	ButtonMiddle
)

var buttonNames = []struct {
	b    Buttons
	name string
}{
	{ButtonLeft, "left"},
	{ButtonRight, "right"},
	{ButtonMiddle, "middle"},
}

// Sample is the pointer state at one instant, in absolute screen
// coordinates.
type Sample struct {
	X, Y    int
	Buttons Buttons
}

// Input reports the latest pointer state.
type Input interface {
	Sample() (Sample, error)
	Close() error
}

// Image is one cursor bitmap. Pix is RGBA, premultiplied, row-major with a
// stride of 4*Width. Serial, when non-zero, changes whenever the platform
// cursor changes and lets callers skip hashing an unchanged cursor.
type Image struct {
	Width, Height int
	HotX, HotY    int
	Pix           []byte
	Serial        uint32
}

// RGBA wraps the bitmap as an image without copying.
func (img *Image) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    img.Pix,
		Stride: 4 * img.Width,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
}

// ImageSource captures the current cursor bitmap.
type ImageSource interface {
	Current() (*Image, error)
	Close() error
}
