package imageproc

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/diffusion/internal/batch"
)

func writeGray(t *testing.T, path string, pix ...uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	copy(img.Pix, pix)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirFlat(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "b.png"), 40, 50, 60, 70)
	writeGray(t, filepath.Join(dir, "a.png"), 0, 10, 20, 255)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := LoadDir(context.Background(), dir, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 1, 2, 2}, batch.Shape(ds.Images)); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	data, err := batch.Floats(ds.Images)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 10, 20, 255, 40, 50, 60, 70}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("pixels mismatch (-want +got):\n%s", diff)
	}
	if ds.Labels != nil || ds.Classes != nil {
		t.Errorf("unexpected classes %v %v", ds.Classes, ds.Labels)
	}
}

func TestLoadDirClasses(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "cat", "1.png"), 1, 1, 1, 1)
	writeGray(t, filepath.Join(dir, "cat", "2.png"), 2, 2, 2, 2)
	writeGray(t, filepath.Join(dir, "dog", "1.png"), 3, 3, 3, 3)
	writeGray(t, filepath.Join(dir, "ignored.png"), 4, 4, 4, 4)

	ds, err := LoadDir(context.Background(), dir, 2, 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"cat", "dog"}, ds.Classes); diff != "" {
		t.Errorf("classes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 0, 1}, ds.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if n, _, _ := batch.Dims(ds.Images); n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
}

func TestLoadDirResizes(t *testing.T) {
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "a.png"), 100, 100, 100, 100)

	ds, err := LoadDir(context.Background(), dir, 4, 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 3, 4, 4}, batch.Shape(ds.Images)); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	data, _ := batch.Floats(ds.Images)
	for i, v := range data {
		if v < 99 || v > 101 {
			t.Fatalf("data[%d] = %v, want ~100", i, v)
		}
	}
}

func TestLoadDirErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadDir(context.Background(), dir, 2, 2); !errors.Is(err, ErrChannels) {
		t.Errorf("err = %v, want %v", err, ErrChannels)
	}
	if _, err := LoadDir(context.Background(), dir, 2, 1); err == nil {
		t.Error("expected an error for an empty directory")
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(context.Background(), dir, 2, 1); err == nil {
		t.Error("expected a decode error")
	}
}

func TestWriteDirRoundTrip(t *testing.T) {
	data := []float32{
		// sample 0, rgb planes
		0, 64, 128, 255,
		255, 128, 64, 0,
		10, 20, 30, 40,
		// sample 1
		-5, 300, 127.6, 1,
		1, 1, 1, 1,
		2, 2, 2, 2,
	}
	x, err := batch.FromFloats(data, 2, 3, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	paths, err := WriteDir(dir, "sample", x)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "sample-000.png"), filepath.Join(dir, "sample-001.png")}, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}

	ds, err := LoadDir(context.Background(), dir, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := batch.Floats(ds.Images)
	want := append([]float32(nil), data...)
	// out of range values are clamped and rounded
	want[12], want[13], want[14] = 0, 255, 128
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImageGray(t *testing.T) {
	x, err := batch.FromFloats([]float32{0, 1, 2, 3}, 1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	img, err := Image(x, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.At(1, 1).(color.Gray).Y; got != 3 {
		t.Errorf("pixel = %d, want 3", got)
	}

	if _, err := Image(x, 1); !errors.Is(err, batch.ErrShape) {
		t.Errorf("err = %v, want %v", err, batch.ErrShape)
	}
}
