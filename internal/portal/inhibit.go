package portal

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const inhibitName = baseName + ".Inhibit.Inhibit"

// Inhibit flags, as a bit mask.
const (
	InhibitLogout     uint32 = 1
	InhibitUserSwitch uint32 = 2
	InhibitSuspend    uint32 = 4
	InhibitIdle       uint32 = 8
)

// Inhibitor holds an active inhibition until Release.
type Inhibitor struct {
	p       *Portal
	path    dbus.ObjectPath
	release sync.Once
}

// Inhibit asks the session not to perform the actions in flags. The
// inhibition lasts until Release or until the connection closes.
func (p *Portal) Inhibit(ctx context.Context, flags uint32, reason string) (*Inhibitor, error) {
	token := NewToken()
	options := map[string]dbus.Variant{
		"handle_token": fromString(token),
		"reason":       fromString(reason),
	}
	_, path, err := p.request(ctx, inhibitName, token, "", flags, options)
	if err != nil {
		return nil, err
	}
	p.log.Debug("inhibit granted", zap.Uint32("flags", flags), zap.String("reason", reason))
	return &Inhibitor{p: p, path: path}, nil
}

// Release ends the inhibition. Further calls are no-ops.
func (i *Inhibitor) Release() error {
	if i == nil {
		return nil
	}
	var err error
	i.release.Do(func() {
		err = i.p.conn.Object(busName, i.path).Call(requestClose, 0).Err
	})
	return err
}
