package preprocess

import (
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

type Layout string

const (
	NHWC Layout = "nhwc"
	NCHW Layout = "nchw"
)

const channels = 3

// Tensor is a single-item batch of RGB pixels ready for the model.
type Tensor struct {
	Data   []float32
	Shape  []int64
	Layout Layout
}

type Options struct {
	ImageSize int
	Layout    Layout
	Resample  string
	// RawPixels keeps intensities in 0-255 for models that rescale internally.
	RawPixels bool
}

func DefaultOptions() Options {
	return Options{ImageSize: 256, Layout: NHWC, Resample: "bicubic"}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.ImageSize <= 0 {
		o.ImageSize = def.ImageSize
	}
	if o.Layout == "" {
		o.Layout = def.Layout
	}
	if o.Resample == "" {
		o.Resample = def.Resample
	}
	return o
}

// Shape returns the tensor shape these options produce.
func (o Options) Shape() []int64 {
	o = o.normalize()
	size := int64(o.ImageSize)
	if o.Layout == NCHW {
		return []int64{1, channels, size, size}
	}
	return []int64{1, size, size, channels}
}

// Load decodes the image at path and runs it through FromImage.
func Load(path string, opts Options) (Tensor, error) {
	img, err := Decode(path)
	if err != nil {
		return Tensor{}, err
	}
	return FromImage(img, opts)
}

// Decode reads every pixel of the image at path. Failures to decode are
// ErrInvalidImage.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidImage, "decode image", err)
	}
	return img, nil
}

// FromImage converts img to RGB, stretches it to ImageSize x ImageSize,
// scales intensities to [0,1] and prepends the batch dimension.
func FromImage(img image.Image, opts Options) (Tensor, error) {
	opts = opts.normalize()
	if opts.Layout != NHWC && opts.Layout != NCHW {
		return Tensor{}, domain.WrapError(domain.ErrInvalidInput, "preprocess", fmt.Errorf("unknown layout %q", opts.Layout))
	}
	if img == nil || img.Bounds().Empty() {
		return Tensor{}, domain.WrapError(domain.ErrInvalidImage, "preprocess", fmt.Errorf("empty image"))
	}

	rgb := toRGB(img)
	resized, err := resample(rgb, opts.ImageSize, opts.Resample)
	if err != nil {
		return Tensor{}, err
	}

	size := opts.ImageSize
	plane := size * size
	data := make([]float32, channels*plane)
	divisor := float32(255)
	if opts.RawPixels {
		divisor = 1
	}

	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			r := float32(row[x*4]) / divisor
			g := float32(row[x*4+1]) / divisor
			b := float32(row[x*4+2]) / divisor

			idx := y*size + x
			if opts.Layout == NCHW {
				data[idx] = r
				data[plane+idx] = g
				data[2*plane+idx] = b
				continue
			}
			data[idx*channels] = r
			data[idx*channels+1] = g
			data[idx*channels+2] = b
		}
	}

	return Tensor{Data: data, Shape: opts.Shape(), Layout: opts.Layout}, nil
}

// toRGB clones img into NRGBA and drops the alpha channel instead of
// compositing it, so transparent pixels keep their colour.
func toRGB(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

func resample(src *image.NRGBA, size int, filter string) (*image.NRGBA, error) {
	switch strings.ToLower(filter) {
	case "nearest":
		return imaging.Clone(resize.Resize(uint(size), uint(size), src, resize.NearestNeighbor)), nil
	case "bilinear":
		return imaging.Clone(resize.Resize(uint(size), uint(size), src, resize.Bilinear)), nil
	case "bicubic":
		return imaging.Clone(resize.Resize(uint(size), uint(size), src, resize.Bicubic)), nil
	case "lanczos3":
		return imaging.Clone(resize.Resize(uint(size), uint(size), src, resize.Lanczos3)), nil
	case "catmullrom":
		dst := image.NewNRGBA(image.Rect(0, 0, size, size))
		draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
		return dst, nil
	case "approxbilinear":
		dst := image.NewNRGBA(image.Rect(0, 0, size, size))
		draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Bounds(), draw.Src, nil)
		return dst, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "resample", fmt.Errorf("unknown resample filter %q", filter))
	}
}
