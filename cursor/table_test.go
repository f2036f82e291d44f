package cursor

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func solidImage(w, h int, v byte) *Image {
	pix := make([]byte, 4*w*h)
	for i := range pix {
		pix[i] = v
	}
	return &Image{Width: w, Height: h, HotX: 1, HotY: 1, Pix: pix}
}

func TestImageTableDeduplicates(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cursors")
	table, err := NewImageTable(dir)
	if err != nil {
		t.Fatal(err)
	}

	const k = 25
	var first int
	for i := 0; i < k; i++ {
		// A fresh buffer with equal content each time.
		id, created, err := table.Resolve(solidImage(16, 16, 0xff))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if i == 0 {
			first = id
			if !created {
				t.Error("first resolve should create")
			}
		} else if created || id != first {
			t.Fatalf("resolve %d: id %d created %t, want %d false", i, id, created, first)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || table.Len() != 1 {
		t.Fatalf("%d files, %d table entries, want 1", len(entries), table.Len())
	}

	f, err := os.Open(filepath.Join(dir, table.Images()[0].File))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("stored bitmap is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 16 {
		t.Errorf("png bounds = %v", b)
	}
}

func TestImageTableSequentialIDs(t *testing.T) {
	t.Parallel()

	table, err := NewImageTable(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	images := []*Image{
		solidImage(8, 8, 1),
		solidImage(8, 8, 2),
		solidImage(8, 8, 1),
		solidImage(8, 4, 1),
		solidImage(8, 8, 3),
	}
	var ids []int
	for _, img := range images {
		id, _, err := table.Resolve(img)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	want := []int{0, 1, 0, 2, 3}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}

	// Same pixels with a different hotspot is a different cursor.
	moved := solidImage(8, 8, 1)
	moved.HotX = 4
	if id, created, _ := table.Resolve(moved); !created || id != 4 {
		t.Errorf("hotspot change: id %d created %t", id, created)
	}
}

func TestImageTableRejectsShortBitmap(t *testing.T) {
	t.Parallel()

	table, err := NewImageTable(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	img := solidImage(4, 4, 1)
	img.Pix = img.Pix[:10]
	if _, _, err := table.Resolve(img); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := table.Resolve(nil); err == nil {
		t.Fatal("expected error for nil image")
	}
}

func TestImageTableNormalizesHotspot(t *testing.T) {
	t.Parallel()

	table, err := NewImageTable(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	img := solidImage(16, 8, 3)
	img.HotX, img.HotY = 4, 6
	if _, _, err := table.Resolve(img); err != nil {
		t.Fatal(err)
	}
	info := table.Images()[0]
	if info.HotspotX != 0.25 || info.HotspotY != 0.75 {
		t.Fatalf("hotspot = (%v,%v), want (0.25,0.75)", info.HotspotX, info.HotspotY)
	}
}
