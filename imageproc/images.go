// Package imageproc converts between image files and (N, C, H, W) batches
// holding values in [0, 255].
package imageproc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/diffusion/internal/batch"
)

var ErrChannels = errors.New("channels must be 1 or 3")

// Dataset is a directory of images loaded into a single batch.
type Dataset struct {
	Images *tensor.Dense
	Files  []string

	// Labels and Classes are set when the directory holds one
	// subdirectory per class. Labels index into Classes.
	Labels  []int
	Classes []string
}

var extensions = []string{".png", ".jpg", ".jpeg"}

func isImage(name string) bool {
	return slices.Contains(extensions, strings.ToLower(filepath.Ext(name)))
}

// LoadDir decodes every PNG and JPEG in dir, scaled to size x size with the
// given number of channels. When dir contains subdirectories, each one is a
// class and only images inside them are loaded.
func LoadDir(ctx context.Context, dir string, size, channels int) (*Dataset, error) {
	if channels != 1 && channels != 3 {
		return nil, ErrChannels
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{}
	for _, e := range entries {
		if e.IsDir() {
			ds.Classes = append(ds.Classes, e.Name())
		}
	}

	if len(ds.Classes) == 0 {
		for _, e := range entries {
			if e.Type().IsRegular() && isImage(e.Name()) {
				ds.Files = append(ds.Files, filepath.Join(dir, e.Name()))
			}
		}
	} else {
		for label, class := range ds.Classes {
			files, err := os.ReadDir(filepath.Join(dir, class))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.Type().IsRegular() && isImage(f.Name()) {
					ds.Files = append(ds.Files, filepath.Join(dir, class, f.Name()))
					ds.Labels = append(ds.Labels, label)
				}
			}
		}
	}

	if len(ds.Files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}

	per := channels * size * size
	data := make([]float32, len(ds.Files)*per)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range ds.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			img, err := decodeFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			Pixels(Resize(Composite(img), size), channels, data[i*per:(i+1)*per])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if ds.Images, err = batch.FromFloats(data, len(ds.Files), channels, size, size); err != nil {
		return nil, err
	}
	return ds, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

// Composite removes the alpha channel by drawing img over white.
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize scales img to a size x size square. Images already at that size are
// returned unchanged.
func Resize(img image.Image, size int) image.Image {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Rect, img, b, draw.Over, nil)
	return dst
}

// Pixels writes img channel first into dst as values in [0, 255]. A single
// channel is the luminance of the image.
func Pixels(img image.Image, channels int, dst []float32) {
	b := img.Bounds()
	plane := b.Dx() * b.Dy()

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			if channels == 1 {
				dst[i] = float32(color.GrayModel.Convert(c).(color.Gray).Y)
			} else {
				r, g, bl, _ := c.RGBA()
				dst[i] = float32(r >> 8)
				dst[plane+i] = float32(g >> 8)
				dst[2*plane+i] = float32(bl >> 8)
			}
			i++
		}
	}
}

// Image converts sample i of x, which must hold values in [0, 255], into an
// image. One channel yields a grayscale image and three an RGBA one.
func Image(x *tensor.Dense, i int) (image.Image, error) {
	shape := batch.Shape(x)
	n, per, err := batch.Dims(x)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= n {
		return nil, fmt.Errorf("%w: sample %d of %d", batch.ErrShape, i, n)
	}

	data, err := batch.Floats(x)
	if err != nil {
		return nil, err
	}
	data = data[i*per : (i+1)*per]

	c, h, w := shape[1], shape[2], shape[3]
	plane := h * w
	rect := image.Rect(0, 0, w, h)

	switch c {
	case 1:
		img := image.NewGray(rect)
		for j, v := range data {
			img.Pix[j] = clamp(v)
		}
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for j := range plane {
			img.Pix[4*j] = clamp(data[j])
			img.Pix[4*j+1] = clamp(data[plane+j])
			img.Pix[4*j+2] = clamp(data[2*plane+j])
			img.Pix[4*j+3] = 255
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrChannels, c)
	}
}

func clamp(v float32) uint8 {
	return uint8(min(max(v+0.5, 0), 255))
}

// Encode writes img as PNG.
func Encode(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// WriteDir writes every sample of x as a PNG named <prefix>-<index>.png into
// dir and returns the paths written.
func WriteDir(dir, prefix string, x *tensor.Dense) ([]string, error) {
	n, _, err := batch.Dims(x)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, n)
	for i := range n {
		img, err := Image(x, i)
		if err != nil {
			return nil, err
		}

		paths[i] = filepath.Join(dir, fmt.Sprintf("%s-%03d.png", prefix, i))
		if err := writeFile(paths[i], img); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func writeFile(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Encode(f, img); err != nil {
		return err
	}
	return f.Close()
}
