// Package framepool owns the reusable pixel buffer the orchestrator copies
// each captured frame into before handing it to an encoder.
package framepool

import (
	"errors"
	"fmt"
)

// BytesPerPixel is fixed: every capture backend delivers 32-bit pixels.
const BytesPerPixel = 4

// Orientation is the row order of a pixel buffer.
type Orientation uint8

const (
	// TopDown buffers start with the top row of the image.
	TopDown Orientation = iota
	// BottomUp buffers start with the bottom row.
	BottomUp
)

func (o Orientation) String() string {
	if o == BottomUp {
		return "bottom-up"
	}
	return "top-down"
}

var ErrFrameTooSmall = errors.New("framepool: source frame smaller than width*height*4")

// Pool holds exactly one frame-sized buffer and one row of scratch space.
// Neither is reallocated unless the frame dimensions change. A Pool is
// owned by a single goroutine.
type Pool struct {
	width, height int
	buf           []byte
	scratch       []byte

	// Source is the row order produced by the capture backend, Target the
	// row order the encoder expects.
	Source Orientation
	Target Orientation
}

// New allocates a pool for width x height frames.
func New(width, height int, source, target Orientation) (*Pool, error) {
	p := &Pool{Source: source, Target: target}
	if err := p.Resize(width, height); err != nil {
		return nil, err
	}
	return p, nil
}

// Resize reallocates the buffer if the dimensions differ from the current
// ones.
func (p *Pool) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("framepool: invalid size %dx%d", width, height)
	}
	if width == p.width && height == p.height {
		return nil
	}
	p.width, p.height = width, height
	p.buf = make([]byte, width*height*BytesPerPixel)
	p.scratch = make([]byte, width*BytesPerPixel)
	return nil
}

// Width of the pooled frame in pixels.
func (p *Pool) Width() int { return p.width }

// Height of the pooled frame in pixels.
func (p *Pool) Height() int { return p.height }

// NeedsFlip reports whether Source and Target row orders differ.
func (p *Pool) NeedsFlip() bool { return p.Source != p.Target }

// Load copies src into the pooled buffer. stride is the byte length of one
// source row; zero means tightly packed. Rows are copied one at a time so
// padded source rows are stripped.
func (p *Pool) Load(src []byte, stride int) ([]byte, error) {
	rowBytes := p.width * BytesPerPixel
	if stride == 0 {
		stride = rowBytes
	}
	if stride < rowBytes || len(src) < stride*(p.height-1)+rowBytes {
		return nil, ErrFrameTooSmall
	}

	if stride == rowBytes {
		copy(p.buf, src[:len(p.buf)])
		return p.buf, nil
	}
	for y := 0; y < p.height; y++ {
		copy(p.buf[y*rowBytes:(y+1)*rowBytes], src[y*stride:y*stride+rowBytes])
	}
	return p.buf, nil
}

// Prepare loads src and flips it if the orientations differ.
func (p *Pool) Prepare(src []byte, stride int) ([]byte, error) {
	buf, err := p.Load(src, stride)
	if err != nil {
		return nil, err
	}
	if p.NeedsFlip() {
		p.Flip()
	}
	return buf, nil
}

// Flip reverses the row order of the pooled buffer in place.
func (p *Pool) Flip() {
	flipRows(p.buf, p.scratch, p.width*BytesPerPixel, p.height)
}

// Bytes returns the pooled buffer. It is overwritten by the next Load.
func (p *Pool) Bytes() []byte { return p.buf }

func flipRows(buf, scratch []byte, rowBytes, rows int) {
	for top, bottom := 0, rows-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := buf[top*rowBytes : (top+1)*rowBytes]
		b := buf[bottom*rowBytes : (bottom+1)*rowBytes]
		copy(scratch, a)
		copy(a, b)
		copy(b, scratch)
	}
}
