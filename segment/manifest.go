// Package segment records auxiliary video tracks as a series of short
// fragments, each written by its own encoder process, and keeps a manifest
// that survives a crash of the recorder between rotations.
package segment

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go2tv.app/screenrec/internal/atomicfile"
)

// ManifestName is the manifest file inside a segment directory.
const ManifestName = "manifest.json"

// ErrManifestNotFound is returned when a directory holds no manifest.
var ErrManifestNotFound = errors.New("segment manifest not found")

// Fragment is one encoder output. Path is relative to the manifest.
type Fragment struct {
	Path       string  `json:"path"`
	Index      int     `json:"index"`
	DurationMS float64 `json:"duration_ms"`
	Completed  bool    `json:"completed"`
}

// Duration converts DurationMS.
func (f Fragment) Duration() time.Duration {
	return time.Duration(f.DurationMS * float64(time.Millisecond))
}

// Manifest indexes the fragments of one track.
type Manifest struct {
	Fragments []Fragment `json:"fragments"`
	Finalized bool       `json:"finalized"`
}

// LoadManifest reads the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := atomicfile.ReadJSON(filepath.Join(dir, ManifestName), &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrManifestNotFound, dir)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if m.Fragments == nil {
		m.Fragments = []Fragment{}
	}
	return &m, nil
}

// Save replaces the manifest in dir atomically.
func (m *Manifest) Save(dir string) error {
	out := *m
	if out.Fragments == nil {
		out.Fragments = []Fragment{}
	}
	return atomicfile.WriteJSON(filepath.Join(dir, ManifestName), out)
}

// Completed returns the completed fragments in index order.
func (m *Manifest) Completed() []Fragment {
	var out []Fragment
	for _, f := range m.Fragments {
		if f.Completed {
			out = append(out, f)
		}
	}
	return out
}

// InProgress returns the fragments not marked completed.
func (m *Manifest) InProgress() []Fragment {
	var out []Fragment
	for _, f := range m.Fragments {
		if !f.Completed {
			out = append(out, f)
		}
	}
	return out
}

// Duration sums the completed fragments.
func (m *Manifest) Duration() time.Duration {
	var d time.Duration
	for _, f := range m.Completed() {
		d += f.Duration()
	}
	return d
}

// Paths resolves the completed fragment files against dir.
func (m *Manifest) Paths(dir string) []string {
	var out []string
	for _, f := range m.Completed() {
		out = append(out, filepath.Join(dir, f.Path))
	}
	return out
}

func (m *Manifest) clone() Manifest {
	out := Manifest{Finalized: m.Finalized}
	out.Fragments = append([]Fragment{}, m.Fragments...)
	return out
}
