package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Recovery describes what Recover kept and removed.
type Recovery struct {
	Completed []Fragment
	Discarded []string
	// AlreadyFinalized is set when the manifest needed no repair.
	AlreadyFinalized bool
}

// Recover repairs a segment directory left behind by an interrupted
// recording. In-progress fragments are deleted, and the manifest is
// rewritten with only completed fragments and marked finalized.
func Recover(dir string) (Recovery, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return Recovery{}, err
	}
	if m.Finalized && len(m.InProgress()) == 0 {
		return Recovery{Completed: m.Completed(), AlreadyFinalized: true}, nil
	}

	var rec Recovery
	var errs []error
	for _, f := range m.InProgress() {
		p := filepath.Join(dir, f.Path)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", f.Path, err))
			continue
		}
		rec.Discarded = append(rec.Discarded, f.Path)
	}

	rec.Completed = m.Completed()
	repaired := Manifest{Fragments: rec.Completed, Finalized: true}
	if err := repaired.Save(dir); err != nil {
		errs = append(errs, err)
	}
	return rec, errors.Join(errs...)
}
