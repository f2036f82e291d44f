// Package processutil holds helpers shared by the ffmpeg and GStreamer
// subprocesses the recorder drives.
package processutil

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
)

// Command builds a subprocess with the platform console tweaks applied.
func Command(path string, args ...string) *exec.Cmd {
	cmd := exec.Command(path, args...)
	HideConsoleWindow(cmd)
	return cmd
}

// CommandContext is Command bound to ctx.
func CommandContext(ctx context.Context, path string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	HideConsoleWindow(cmd)
	return cmd
}

// maxTailBuffer bounds how much stderr a TailBuffer retains.
const maxTailBuffer = 64 << 10

// TailBuffer collects the end of a subprocess stderr stream for error
// messages. It is safe for concurrent use.
type TailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > maxTailBuffer {
		keep := b.buf.Bytes()[b.buf.Len()-maxTailBuffer/2:]
		next := make([]byte, len(keep))
		copy(next, keep)
		b.buf.Reset()
		b.buf.Write(next)
	}
	return n, err
}

// Tail returns at most the last n bytes written, trimmed.
func (b *TailBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no stderr output"
	}
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
