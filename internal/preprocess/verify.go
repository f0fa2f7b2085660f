package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

// MaxPixels mirrors the decompression-bomb guard of common image libraries.
const MaxPixels = 89478485

// Info describes a verified image without decoding its pixels.
type Info struct {
	Format string
	Width  int
	Height int
}

var verifiedFormats = map[string]bool{"png": true, "jpeg": true}

// Verify checks that the file at path is a PNG or JPEG with sane dimensions.
// Only the header is decoded.
func Verify(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, domain.WrapError(domain.ErrInvalidImage, "verify image", err)
	}
	if !verifiedFormats[format] {
		return Info{}, domain.WrapError(domain.ErrInvalidImage, "verify image", fmt.Errorf("unsupported format %q", format))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, domain.WrapError(domain.ErrInvalidImage, "verify image", fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height))
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return Info{}, domain.WrapError(domain.ErrInvalidImage, "verify image",
			fmt.Errorf("image too large: %dx%d pixels", cfg.Width, cfg.Height))
	}

	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
