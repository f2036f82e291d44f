// Package portal is a small client for the xdg-desktop-portal D-Bus API.
// It covers the two interfaces the recorder needs: ScreenCast, to obtain a
// PipeWire stream of a monitor or window on Wayland, and Inhibit, to keep the
// session from idling while a recording runs.
package portal

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
)

const (
	busName    = "org.freedesktop.portal.Desktop"
	objectPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	baseName   = "org.freedesktop.portal"

	requestInterface = baseName + ".Request"
	requestResponse  = requestInterface + ".Response"
	requestClose     = requestInterface + ".Close"

	sessionInterface = baseName + ".Session"
	sessionClose     = sessionInterface + ".Close"
)

var (
	ErrCancelled          = errors.New("portal request was cancelled by the user")
	ErrEnded              = errors.New("portal request ended")
	ErrUnexpectedResponse = errors.New("unexpected response from portal")
)

// Response codes of org.freedesktop.portal.Request.Response.
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func fromBool(v bool) dbus.Variant     { return dbus.MakeVariantWithSignature(v, boolSignature) }
func fromString(v string) dbus.Variant { return dbus.MakeVariantWithSignature(v, stringSignature) }
func fromUint32(v uint32) dbus.Variant { return dbus.MakeVariantWithSignature(v, uint32Signature) }

// Portal is a connection to the desktop portal on the session bus.
type Portal struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	log  *zap.Logger
}

// Connect attaches to the shared session bus connection.
func Connect(log *zap.Logger) (*Portal, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Portal{
		conn: conn,
		obj:  conn.Object(busName, objectPath),
		log:  logging.OrNop(log).Named("portal"),
	}, nil
}

// NewToken returns a handle token usable as an object path element.
func NewToken() string {
	return "screenrec_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestPath is where the portal will create the Request object for token.
// Subscribing to it before issuing the call avoids missing a fast response.
func RequestPath(uniqueName, token string) dbus.ObjectPath {
	sender := strings.ReplaceAll(strings.TrimPrefix(uniqueName, ":"), ".", "_")
	return dbus.ObjectPath("/org/freedesktop/portal/desktop/request/" + sender + "/" + token)
}

func (p *Portal) uniqueName() string {
	names := p.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (p *Portal) uint32Property(iface, name string) (uint32, error) {
	v, err := p.obj.GetProperty(iface + "." + name)
	if err != nil {
		return 0, err
	}
	u, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: property %s has type %T", ErrUnexpectedResponse, name, v.Value())
	}
	return u, nil
}

// request issues a portal method that answers through a Request object and
// waits for its Response signal. options must carry handle_token = token.
// The returned path is the Request object the portal used.
func (p *Portal) request(ctx context.Context, method, token string, args ...any) (map[string]dbus.Variant, dbus.ObjectPath, error) {
	path := RequestPath(p.uniqueName(), token)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember("Response"),
	}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		return nil, path, fmt.Errorf("%s: subscribe response: %w", method, err)
	}
	defer func() { _ = p.conn.RemoveMatchSignal(match...) }()

	signals := make(chan *dbus.Signal, 8)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	call := p.obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, path, fmt.Errorf("%s: %w", method, call.Err)
	}
	var handle dbus.ObjectPath
	if err := call.Store(&handle); err != nil {
		return nil, path, fmt.Errorf("%s: %w", method, err)
	}
	if handle != path {
		// Portals older than version 0.9 pick their own request path.
		p.log.Debug("request path differs from expected", zap.String("expected", string(path)), zap.String("got", string(handle)))
		path = handle
	}

	for {
		select {
		case <-ctx.Done():
			_ = p.conn.Object(busName, path).Call(requestClose, 0).Err
			return nil, path, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil, path, fmt.Errorf("%s: %w: signal channel closed", method, ErrEnded)
			}
			if sig.Path != path || sig.Name != requestResponse {
				continue
			}
			results, err := parseResponse(method, sig.Body)
			return results, path, err
		}
	}
}

func parseResponse(method string, body []any) (map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("%s: %w: body has %d fields", method, ErrUnexpectedResponse, len(body))
	}
	status, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("%s: %w: status has type %T", method, ErrUnexpectedResponse, body[0])
	}
	results, _ := body[1].(map[string]dbus.Variant)
	switch status {
	case responseSuccess:
		return results, nil
	case responseCancelled:
		return nil, fmt.Errorf("%s: %w", method, ErrCancelled)
	default:
		return nil, fmt.Errorf("%s: %w (status %d)", method, ErrEnded, status)
	}
}
