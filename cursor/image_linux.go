//go:build linux

package cursor

import (
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xfixes"
)

// XFixesSource reads the current cursor bitmap through the X11 XFixes
// extension.
type XFixesSource struct {
	conn *xgb.Conn
}

// OpenImageSource connects to the X server and negotiates XFixes.
func OpenImageSource() (ImageSource, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect X server: %w", err)
	}
	if err := xfixes.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xfixes: %w", err)
	}
	if _, err := xfixes.QueryVersion(conn, 4, 0).Reply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xfixes version: %w", err)
	}
	return &XFixesSource{conn: conn}, nil
}

// Current returns the cursor bitmap converted from ARGB to RGBA.
func (s *XFixesSource) Current() (*Image, error) {
	reply, err := xfixes.GetCursorImage(s.conn).Reply()
	if err != nil {
		return nil, err
	}
	img := &Image{
		Width:  int(reply.Width),
		Height: int(reply.Height),
		HotX:   int(reply.Xhot),
		HotY:   int(reply.Yhot),
		Serial: reply.CursorSerial,
	}
	img.Pix = argbToRGBA(reply.CursorImage, img.Width*img.Height)
	return img, nil
}

func argbToRGBA(argb []uint32, n int) []byte {
	n = min(n, len(argb))
	pix := make([]byte, 4*n)
	for i, p := range argb[:n] {
		pix[4*i+0] = byte(p >> 16)
		pix[4*i+1] = byte(p >> 8)
		pix[4*i+2] = byte(p)
		pix[4*i+3] = byte(p >> 24)
	}
	return pix
}

func (s *XFixesSource) Close() error {
	s.conn.Close()
	return nil
}
