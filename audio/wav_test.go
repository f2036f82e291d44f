package audio

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// memFile is an in-memory io.WriteSeeker.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	if end := m.pos + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = int(offset)
	case io.SeekCurrent:
		m.pos += int(offset)
	case io.SeekEnd:
		m.pos = len(m.buf) + int(offset)
	}
	return int64(m.pos), nil
}

func TestWAVWriterHeader(t *testing.T) {
	t.Parallel()

	var f memFile
	w, err := NewWAVWriter(&f, Format{SampleRate: 48000, Channels: 2}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write([]float32{0.5, -0.5, 1, -1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	b := f.buf
	if len(b) != wavHeaderSize+16 {
		t.Fatalf("file is %d bytes, want %d", len(b), wavHeaderSize+16)
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		t.Fatalf("bad chunk ids: %q", b[:44])
	}
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", binary.LittleEndian.Uint32(b[4:8]), 36 + 16},
		{"format", uint32(binary.LittleEndian.Uint16(b[20:22])), wavFormatFloat},
		{"channels", uint32(binary.LittleEndian.Uint16(b[22:24])), 2},
		{"sample rate", binary.LittleEndian.Uint32(b[24:28]), 48000},
		{"byte rate", binary.LittleEndian.Uint32(b[28:32]), 48000 * 8},
		{"block align", uint32(binary.LittleEndian.Uint16(b[32:34])), 8},
		{"bits", uint32(binary.LittleEndian.Uint16(b[34:36])), 32},
		{"data size", binary.LittleEndian.Uint32(b[40:44]), 16},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(b[44:48])); got != 0.5 {
		t.Errorf("first sample = %v", got)
	}
	if w.Frames() != 2 {
		t.Errorf("Frames = %d, want 2", w.Frames())
	}
	if err := w.Write([]float32{0}); err != ErrClosed {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}
}

func TestWAVWriterPatchesPeriodically(t *testing.T) {
	t.Parallel()

	var f memFile
	format := Format{SampleRate: 1000, Channels: 1}
	w, err := NewWAVWriter(&f, format, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	// 50 frames: below the patch threshold, header still says empty.
	if err := w.Write(make([]float32, 50)); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(f.buf[40:44]); got != 0 {
		t.Errorf("data size before patch = %d, want 0", got)
	}

	// Crossing 100 frames patches the header without Close.
	if err := w.Write(make([]float32, 60)); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(f.buf[40:44]); got != 110*4 {
		t.Errorf("data size after patch = %d, want %d", got, 110*4)
	}
	if f.pos != len(f.buf) {
		t.Errorf("writer not repositioned at end: pos %d len %d", f.pos, len(f.buf))
	}
}

func TestWAVWriterSilence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "silence.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	format := Format{SampleRate: 8000, Channels: 2}
	w, err := NewWAVWriter(file, format, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSilence(10000); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSilence(-1); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(wavHeaderSize + 10000*2*4); info.Size() != want {
		t.Errorf("size = %d, want %d", info.Size(), want)
	}
	if w.Duration() != 1250*time.Millisecond {
		t.Errorf("Duration = %s, want 1.25s", w.Duration())
	}
}

func TestNewWAVWriterRejectsEmptyFormat(t *testing.T) {
	t.Parallel()

	if _, err := NewWAVWriter(&memFile{}, Format{}, time.Second); err == nil {
		t.Fatal("expected error")
	}
}
