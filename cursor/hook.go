package cursor

import (
	"sync"

	hook "github.com/robotn/gohook"
	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
)

// libuiohook button numbers.
const (
	hookButtonLeft   = 1
	hookButtonRight  = 2
	hookButtonMiddle = 3
)

// HookInput tracks the pointer from global input hook events. The hook
// delivers press as MouseHold and release as MouseDown. MouseUp is a
// completed click, sent after the release only when the pointer did not
// drag, so it never changes button state.
type HookInput struct {
	mu    sync.Mutex
	state Sample

	events chan hook.Event
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

// StartHook installs the global input hook. Only one hook can be active per
// process.
func StartHook(log *zap.Logger) *HookInput {
	in := &HookInput{
		events: hook.Start(),
		done:   make(chan struct{}),
		log:    logging.OrNop(log).Named("cursor.hook"),
	}
	go in.loop()
	return in
}

func (in *HookInput) loop() {
	defer close(in.done)
	for ev := range in.events {
		in.apply(ev)
	}
}

func (in *HookInput) apply(ev hook.Event) {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch ev.Kind {
	case hook.MouseMove, hook.MouseDrag, hook.MouseUp:
		in.state.X, in.state.Y = int(ev.X), int(ev.Y)
	case hook.MouseHold:
		in.state.X, in.state.Y = int(ev.X), int(ev.Y)
		in.state.Buttons |= hookButton(ev.Button)
	case hook.MouseDown:
		in.state.X, in.state.Y = int(ev.X), int(ev.Y)
		in.state.Buttons &^= hookButton(ev.Button)
	}
}

func hookButton(b uint16) Buttons {
	switch b {
	case hookButtonLeft:
		return ButtonLeft
	case hookButtonRight:
		return ButtonRight
	case hookButtonMiddle:
		return ButtonMiddle
	default:
		return 0
	}
}

// Sample returns the latest pointer state.
func (in *HookInput) Sample() (Sample, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, nil
}

// Close removes the hook.
func (in *HookInput) Close() error {
	in.once.Do(func() {
		hook.End()
		<-in.done
		in.log.Debug("input hook stopped")
	})
	return nil
}
