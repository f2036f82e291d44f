//go:build !linux

package cursor

// OpenImageSource is only available with X11.
func OpenImageSource() (ImageSource, error) {
	return nil, ErrNotImplemented
}
