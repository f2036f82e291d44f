package recorder

import (
	"path/filepath"
	"time"

	"go2tv.app/screenrec/internal/atomicfile"
	"go2tv.app/screenrec/segment"
)

const sessionFileName = "session.json"

// Artifact file names inside a session directory.
const (
	VideoFile     = "video.mp4"
	SystemFile    = "system.wav"
	MicFile       = "microphone.wav"
	CursorLogFile = "cursor.json"
	CursorDir     = "cursors"
	WebcamDir     = "webcam"
	OutputFile    = "recording.mp4"
	WebcamFile    = "webcam.mp4"
)

// TrackInfo summarizes one audio track.
type TrackInfo struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	OffsetMS   float64 `json:"offset_ms"`
	DurationMS float64 `json:"duration_ms"`
	Discarded  int64   `json:"discarded_samples"`
	Error      string  `json:"error,omitempty"`
}

// sessionFile is the metadata written next to the artifacts.
type sessionFile struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	Epoch      string      `json:"epoch"`
	Target     string      `json:"target"`
	FrameRate  int         `json:"fps"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	State      string      `json:"state"`
	DurationMS float64     `json:"duration_ms"`
	Frames     int64       `json:"frames"`
	Video      string      `json:"video,omitempty"`
	Output     string      `json:"output,omitempty"`
	Tracks     []TrackInfo `json:"tracks"`
	CursorLog  string      `json:"cursor_log,omitempty"`
	Webcam     string      `json:"webcam_manifest,omitempty"`
}

func (r *Recorder) writeSession(state State, res *Result) error {
	s := sessionFile{
		ID:        r.id.String(),
		StartedAt: r.startedAt,
		Epoch:     r.epoch.String(),
		Target:    r.opts.Target.String(),
		FrameRate: r.opts.FrameRate,
		State:     state.String(),
		Tracks:    []TrackInfo{},
	}
	if r.pool != nil {
		s.Width, s.Height = r.pool.Width(), r.pool.Height()
	}
	if r.sink != nil {
		s.Video = VideoFile
	}
	if r.actor != nil {
		s.CursorLog = CursorLogFile
	}
	if r.muxer != nil {
		s.Webcam = filepath.Join(WebcamDir, segment.ManifestName)
	}
	if res != nil {
		s.DurationMS = ms(res.Duration)
		s.Frames = res.Frames
		s.Tracks = append(s.Tracks, res.Tracks...)
		if res.Output != "" {
			s.Output = filepath.Base(res.Output)
		}
	}
	return atomicfile.WriteJSON(filepath.Join(r.dir, sessionFileName), s)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
