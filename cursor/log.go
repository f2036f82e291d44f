package cursor

import "go2tv.app/screenrec/internal/atomicfile"

// NoCursor is the cursor id used before any bitmap could be captured.
const NoCursor = -1

// Move is a pointer position change. X and Y are fractions of the captured
// area's width and height; a pointer outside the area falls outside 0..1.
type Move struct {
	TimeMS   float64 `json:"time_ms"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	CursorID int     `json:"cursor_id"`
}

// Click is a button press or release.
type Click struct {
	TimeMS   float64 `json:"time_ms"`
	Button   string  `json:"button"`
	Pressed  bool    `json:"pressed"`
	CursorID int     `json:"cursor_id"`
}

// Log is the persisted event log. Times are milliseconds on the recording
// timeline, so pauses are already removed.
type Log struct {
	Clicks  []Click     `json:"clicks"`
	Moves   []Move      `json:"moves"`
	Cursors []ImageInfo `json:"cursors"`
}

// ReadLog loads a log written by the actor.
func ReadLog(path string) (*Log, error) {
	var l Log
	if err := atomicfile.ReadJSON(path, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func writeLog(path string, l *Log) error {
	out := *l
	if out.Clicks == nil {
		out.Clicks = []Click{}
	}
	if out.Moves == nil {
		out.Moves = []Move{}
	}
	if out.Cursors == nil {
		out.Cursors = []ImageInfo{}
	}
	return atomicfile.WriteJSON(path, &out)
}
