//go:build !linux

package capture

import (
	"fmt"

	"go.uber.org/zap"
)

func openWindow(id uint32, _ Options, _ *zap.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: window 0x%x", ErrNotImplemented, id)
}
