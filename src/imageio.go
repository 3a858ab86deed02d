package paint

import (
	"image"
	"image/color"
	_ "image/jpeg" // register JPEG decoding for FolderDataset
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ImageWriter persists a validation image as <dir>/<name>.<ext>, creating
// dir when needed.
type ImageWriter interface {
	Save(img image.Image, name, dir string) error
}

// PNGWriter writes PNG files.
type PNGWriter struct{}

func (PNGWriter) Save(img image.Image, name, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create result directory")
	}
	path := filepath.Join(dir, name+".png")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create image")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrapf(f.Close(), "write %s", path)
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// resizeNearest samples the src rectangle of img onto a w x h RGBA image.
func resizeNearest(img image.Image, src image.Rectangle, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaleX := float64(src.Dx()) / float64(w)
	scaleY := float64(src.Dy()) / float64(h)
	for y := 0; y < h; y++ {
		sy := src.Min.Y + minInt(int(float64(y)*scaleY), src.Dy()-1)
		for x := 0; x < w; x++ {
			sx := src.Min.X + minInt(int(float64(x)*scaleX), src.Dx()-1)
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

// scale maps a channel byte onto [-1, 1].
func scale(v uint8) float64 {
	return float64(v)/127.5 - 1
}

// rescale maps [-1, 1] back onto a channel byte, clamping out-of-range values.
func rescale(v float64) uint8 {
	x := (v + 1) * 127.5
	switch {
	case x != x || x < 0: // NaN or negative
		return 0
	case x > 255:
		return 255
	}
	return uint8(x + 0.5)
}

// imageToTensor converts an RGBA image into a [H, W, 3] tensor in [-1, 1].
func imageToTensor(img *image.RGBA) *Tensor {
	b := img.Bounds()
	t := NewTensor(b.Dy(), b.Dx(), 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			t.data[i] = scale(c.R)
			t.data[i+1] = scale(c.G)
			t.data[i+2] = scale(c.B)
			i += 3
		}
	}
	return t
}

// TensorToImage converts a [H, W, 3] or [1, H, W, 3] tensor in [-1, 1] to an
// RGBA image.
func TensorToImage(t *Tensor) (*image.RGBA, error) {
	shape := t.shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[2] != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "image tensor %v, want [H W 3]", t.shape)
	}
	h, w := shape[0], shape[1]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: rescale(t.data[i]),
				G: rescale(t.data[i+1]),
				B: rescale(t.data[i+2]),
				A: 255,
			})
			i += 3
		}
	}
	return img, nil
}
