package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	wavHeaderSize    = 44
	wavFormatFloat   = 3
	wavBitsPerSample = 32
	wavMaxData       = math.MaxUint32 - wavHeaderSize
)

// WAVWriter streams interleaved float32 samples into a RIFF/WAVE file. The
// header sizes are patched every PatchEvery of audio and on Close, so a file
// abandoned without Close is still readable up to the last patch.
type WAVWriter struct {
	w      io.WriteSeeker
	format Format

	dataBytes  int64
	patchedAt  int64
	patchEvery int64
	scratch    []byte
	closed     bool
}

// NewWAVWriter writes a header for an empty data chunk. patchEvery <= 0
// patches after every write.
func NewWAVWriter(w io.WriteSeeker, format Format, patchEvery time.Duration) (*WAVWriter, error) {
	if format.SampleRate == 0 || format.Channels == 0 {
		return nil, fmt.Errorf("invalid wav format %+v", format)
	}
	ww := &WAVWriter{
		w:          w,
		format:     format,
		patchEvery: format.FramesIn(patchEvery) * int64(format.Channels) * 4,
	}
	if _, err := w.Write(ww.header(0)); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return ww, nil
}

func (w *WAVWriter) header(dataSize uint32) []byte {
	channels := int(w.format.Channels)
	blockAlign := channels * wavBitsPerSample / 8
	byteRate := int(w.format.SampleRate) * blockAlign

	buf := make([]byte, wavHeaderSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatFloat)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], w.format.SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], wavBitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	return buf
}

// Write appends samples. A trailing partial frame is written as is; callers
// hand over whole frames.
func (w *WAVWriter) Write(samples []float32) error {
	if w.closed {
		return ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}
	if w.dataBytes+int64(len(samples))*4 > wavMaxData {
		return fmt.Errorf("wav data chunk full after %s", w.Duration())
	}

	need := len(samples) * 4
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	buf := w.scratch[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	if _, err := w.w.Write(buf); err != nil {
		return err
	}
	w.dataBytes += int64(need)

	if w.dataBytes-w.patchedAt >= w.patchEvery {
		return w.Flush()
	}
	return nil
}

// WriteSilence appends frames of zero samples.
func (w *WAVWriter) WriteSilence(frames int64) error {
	const chunk = 4800
	if frames <= 0 {
		return nil
	}
	zeros := make([]float32, min(frames, chunk)*int64(w.format.Channels))
	for frames > 0 {
		n := min(frames, chunk)
		if err := w.Write(zeros[:n*int64(w.format.Channels)]); err != nil {
			return err
		}
		frames -= n
	}
	return nil
}

// Frames is the number of whole frames written.
func (w *WAVWriter) Frames() int64 {
	return w.dataBytes / (4 * int64(w.format.Channels))
}

// Duration of the audio written so far.
func (w *WAVWriter) Duration() time.Duration {
	return w.format.FrameDuration(w.Frames())
}

// Flush patches the header sizes in place.
func (w *WAVWriter) Flush() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(w.header(uint32(w.dataBytes))); err != nil {
		return err
	}
	if _, err := w.w.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.patchedAt = w.dataBytes
	return nil
}

// Close writes the final header. It does not close the underlying writer.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.Flush()
}
