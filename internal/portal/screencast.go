package portal

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	screenCastInterface = baseName + ".ScreenCast"
	createSessionName   = screenCastInterface + ".CreateSession"
	selectSourcesName   = screenCastInterface + ".SelectSources"
	startName           = screenCastInterface + ".Start"
	openPipeWireRemote  = screenCastInterface + ".OpenPipeWireRemote"
)

// Source types, as a bit mask.
const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
)

// Cursor modes, as a bit mask.
const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
)

// PersistModeNone asks the portal not to remember the selection.
const PersistModeNone uint32 = 0

// Stream is one PipeWire stream granted by ScreenCast.Start.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// SelectOptions configures SelectSources.
type SelectOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// ScreenCast is an open ScreenCast session.
type ScreenCast struct {
	p    *Portal
	Path dbus.ObjectPath

	// RestoreToken is filled by Start when the portal grants persistence.
	RestoreToken string
}

// AvailableSourceTypes reports the source types mask the portal supports.
func (p *Portal) AvailableSourceTypes() (uint32, error) {
	return p.uint32Property(screenCastInterface, "AvailableSourceTypes")
}

// AvailableCursorModes reports the cursor modes mask the portal supports.
func (p *Portal) AvailableCursorModes() (uint32, error) {
	return p.uint32Property(screenCastInterface, "AvailableCursorModes")
}

// CreateScreenCast opens a new ScreenCast session.
func (p *Portal) CreateScreenCast(ctx context.Context) (*ScreenCast, error) {
	token := NewToken()
	options := map[string]dbus.Variant{
		"handle_token":         fromString(token),
		"session_handle_token": fromString(NewToken()),
	}
	results, _, err := p.request(ctx, createSessionName, token, options)
	if err != nil {
		return nil, err
	}

	handle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession: %w: missing session_handle", ErrUnexpectedResponse)
	}
	var path dbus.ObjectPath
	switch v := handle.Value().(type) {
	case string:
		path = dbus.ObjectPath(v)
	case dbus.ObjectPath:
		path = v
	default:
		return nil, fmt.Errorf("CreateSession: %w: session_handle has type %T", ErrUnexpectedResponse, v)
	}
	p.log.Debug("screencast session created", zap.String("path", string(path)))
	return &ScreenCast{p: p, Path: path}, nil
}

func selectSourcesOptions(token string, opts SelectOptions) map[string]dbus.Variant {
	data := map[string]dbus.Variant{"handle_token": fromString(token)}
	if opts.Types != 0 {
		data["types"] = fromUint32(opts.Types)
	}
	if opts.Multiple {
		data["multiple"] = fromBool(true)
	}
	if opts.CursorMode != 0 {
		data["cursor_mode"] = fromUint32(opts.CursorMode)
	}
	if opts.RestoreToken != "" {
		data["restore_token"] = fromString(opts.RestoreToken)
	}
	if opts.PersistMode != PersistModeNone {
		data["persist_mode"] = fromUint32(opts.PersistMode)
	}
	return data
}

// SelectSources asks the user which monitor or window to share.
func (s *ScreenCast) SelectSources(ctx context.Context, opts SelectOptions) error {
	token := NewToken()
	_, _, err := s.p.request(ctx, selectSourcesName, token, s.Path, selectSourcesOptions(token, opts))
	return err
}

// Start begins the cast and returns the granted streams.
func (s *ScreenCast) Start(ctx context.Context, parentWindow string) ([]Stream, error) {
	token := NewToken()
	options := map[string]dbus.Variant{"handle_token": fromString(token)}
	results, _, err := s.p.request(ctx, startName, token, s.Path, parentWindow, options)
	if err != nil {
		return nil, err
	}
	if v, ok := results["restore_token"]; ok {
		if t, ok := v.Value().(string); ok {
			s.RestoreToken = t
		}
	}
	v, ok := results["streams"]
	if !ok {
		return nil, nil
	}
	return parseStreams(v.Value()), nil
}

// OpenPipeWireRemote returns a file for the PipeWire remote that exposes the
// granted streams. The caller owns the file.
func (s *ScreenCast) OpenPipeWireRemote() (*os.File, error) {
	call := s.p.obj.Call(openPipeWireRemote, 0, s.Path, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: %w", call.Err)
	}
	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	return os.NewFile(uintptr(fd), "pipewire-remote"), nil
}

// Close ends the session. Streams stop once it is closed.
func (s *ScreenCast) Close() error {
	return s.p.conn.Object(busName, s.Path).Call(sessionClose, 0).Err
}

func parseStreams(value any) []Stream {
	var raw [][]any
	switch v := value.(type) {
	case [][]any:
		raw = v
	case []any:
		raw = make([][]any, 0, len(v))
		for _, r := range v {
			if s, ok := r.([]any); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}

	streams := make([]Stream, 0, len(raw))
	for _, fields := range raw {
		if len(fields) < 2 {
			continue
		}
		var stream Stream
		if id, ok := fields[0].(uint32); ok {
			stream.NodeID = id
		}
		if props, ok := fields[1].(map[string]dbus.Variant); ok {
			if v, ok := props["position"]; ok {
				stream.Position, _ = parseInt32Pair(v.Value())
			}
			if v, ok := props["size"]; ok {
				stream.Size, _ = parseInt32Pair(v.Value())
			}
			if v, ok := props["source_type"]; ok {
				stream.SourceType, _ = v.Value().(uint32)
			}
			if v, ok := props["mapping_id"]; ok {
				stream.MappingID, _ = v.Value().(string)
			}
			if v, ok := props["id"]; ok {
				stream.ID, _ = v.Value().(string)
			}
		}
		streams = append(streams, stream)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}
