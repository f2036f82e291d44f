//go:build linux

package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
)

var errWindowGone = errors.New("window is no longer mapped")

// openWindow follows an X11 window: its on-screen rectangle is re-read every
// tick so moves and resizes are tracked. Width and Height stay zero until the
// first frame arrives.
func openWindow(id uint32, opts Options, log *zap.Logger) (Source, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("connect X server: %w", err)
	}
	root := xproto.Setup(conn).DefaultScreen(conn).Root
	win := xproto.Window(id)

	if _, err := windowRect(conn, root, win); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: window 0x%x: %w", ErrInvalidTarget, id, err)
	}

	grab := func() (*image.RGBA, image.Rectangle, error) {
		r, err := windowRect(conn, root, win)
		if err != nil {
			return nil, image.Rectangle{}, err
		}
		img, err := screenshot.CaptureRect(r)
		return img, r, err
	}
	src := startPollSource("window", image.Rectangle{}, grab, opts, log)
	return &windowSource{pollSource: src, conn: conn}, nil
}

func windowRect(conn *xgb.Conn, root, win xproto.Window) (image.Rectangle, error) {
	attrs, err := xproto.GetWindowAttributes(conn, win).Reply()
	if err != nil {
		return image.Rectangle{}, err
	}
	if attrs.MapState != xproto.MapStateViewable {
		return image.Rectangle{}, errWindowGone
	}
	geom, err := xproto.GetGeometry(conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return image.Rectangle{}, err
	}
	pos, err := xproto.TranslateCoordinates(conn, win, root, 0, 0).Reply()
	if err != nil {
		return image.Rectangle{}, err
	}
	x, y := int(pos.DstX), int(pos.DstY)
	return image.Rect(x, y, x+int(geom.Width), y+int(geom.Height)), nil
}

type windowSource struct {
	*pollSource
	conn *xgb.Conn
}

func (w *windowSource) Close() error {
	err := w.pollSource.Close()
	w.conn.Close()
	return err
}
