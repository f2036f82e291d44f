package cursor

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
)

var errInvalidImage = errors.New("invalid cursor image")

// ImageInfo is the persisted metadata of one distinct cursor bitmap. The
// hotspot is a fraction of the bitmap size.
type ImageInfo struct {
	ID       int     `json:"id"`
	File     string  `json:"file"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	HotspotX float64 `json:"hotspot_x"`
	HotspotY float64 `json:"hotspot_y"`
}

// ImageTable is an arena of distinct cursor bitmaps: ids are sequential, a
// content digest maps to an id, and the id indexes the metadata. The digest
// is only a lookup key and never leaves the table.
type ImageTable struct {
	dir    string
	byHash map[[sha256.Size]byte]int
	images []ImageInfo
}

// NewImageTable stores bitmaps as PNG files in dir, creating it.
func NewImageTable(dir string) (*ImageTable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cursor image dir: %w", err)
	}
	return &ImageTable{dir: dir, byHash: make(map[[sha256.Size]byte]int)}, nil
}

func digest(img *Image) [sha256.Size]byte {
	h := sha256.New()
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(img.Width))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(img.Height))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(img.HotX))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(img.HotY))
	h.Write(hdr[:])
	h.Write(img.Pix)
	var sum [sha256.Size]byte
	h.Sum(sum[:0])
	return sum
}

// Resolve returns the id of img, persisting it first if it is new.
func (t *ImageTable) Resolve(img *Image) (id int, created bool, err error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 || len(img.Pix) < 4*img.Width*img.Height {
		return 0, false, errInvalidImage
	}
	key := digest(img)
	if id, ok := t.byHash[key]; ok {
		return id, false, nil
	}

	id = len(t.images)
	name := fmt.Sprintf("cursor_%d.png", id)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.RGBA()); err != nil {
		return 0, false, fmt.Errorf("encode cursor %d: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(t.dir, name), buf.Bytes(), 0o644); err != nil {
		return 0, false, fmt.Errorf("write cursor %d: %w", id, err)
	}

	t.byHash[key] = id
	t.images = append(t.images, ImageInfo{
		ID:       id,
		File:     name,
		Width:    img.Width,
		Height:   img.Height,
		HotspotX: float64(img.HotX) / float64(img.Width),
		HotspotY: float64(img.HotY) / float64(img.Height),
	})
	return id, true, nil
}

// Len is the number of distinct bitmaps.
func (t *ImageTable) Len() int { return len(t.images) }

// Images returns a copy of the metadata, ordered by id.
func (t *ImageTable) Images() []ImageInfo {
	return append([]ImageInfo(nil), t.images...)
}

// Dir is where bitmaps are written.
func (t *ImageTable) Dir() string { return t.dir }
