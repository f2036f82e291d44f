//go:build !linux

package capture

import (
	"fmt"

	"go.uber.org/zap"
)

func openPortal(target Target, _ Options, _ *zap.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: portal capture of %s", ErrNotImplemented, target)
}
