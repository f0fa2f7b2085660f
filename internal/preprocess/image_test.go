package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) <= 2.0/255.0
}

func TestFromImageNHWCStretchesNonSquare(t *testing.T) {
	img := uniform(512, 300, color.NRGBA{R: 255, G: 0, B: 255, A: 255})

	tensor, err := FromImage(img, DefaultOptions())
	if err != nil {
		t.Fatalf("FromImage() error = %v", err)
	}

	wantShape := []int64{1, 256, 256, 3}
	for i, d := range wantShape {
		if tensor.Shape[i] != d {
			t.Fatalf("expected shape %v, got %v", wantShape, tensor.Shape)
		}
	}
	if len(tensor.Data) != 256*256*3 {
		t.Fatalf("expected %d values, got %d", 256*256*3, len(tensor.Data))
	}
	for i := 0; i < len(tensor.Data); i += 3 {
		if !near(tensor.Data[i], 1) || !near(tensor.Data[i+1], 0) || !near(tensor.Data[i+2], 1) {
			t.Fatalf("pixel %d = %v, want ~(1,0,1)", i/3, tensor.Data[i:i+3])
		}
	}
	for _, v := range tensor.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %v outside [0,1]", v)
		}
	}
}

func TestFromImageNCHWPlanes(t *testing.T) {
	img := uniform(64, 64, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	opts := Options{ImageSize: 32, Layout: NCHW, Resample: "nearest"}

	tensor, err := FromImage(img, opts)
	if err != nil {
		t.Fatalf("FromImage() error = %v", err)
	}
	if got := tensor.Shape; got[0] != 1 || got[1] != 3 || got[2] != 32 || got[3] != 32 {
		t.Fatalf("unexpected shape %v", got)
	}
	plane := 32 * 32
	if tensor.Data[0] != 1 || tensor.Data[plane] != 0 || tensor.Data[2*plane] != 0 {
		t.Fatalf("expected red plane first, got r=%v g=%v b=%v", tensor.Data[0], tensor.Data[plane], tensor.Data[2*plane])
	}
}

func TestFromImageDropsAlphaWithoutDarkening(t *testing.T) {
	img := uniform(16, 16, color.NRGBA{R: 10, G: 200, B: 30, A: 0})

	tensor, err := FromImage(img, Options{ImageSize: 16, Resample: "nearest"})
	if err != nil {
		t.Fatalf("FromImage() error = %v", err)
	}
	want := []float32{10.0 / 255, 200.0 / 255, 30.0 / 255}
	for c := 0; c < 3; c++ {
		if !near(tensor.Data[c], want[c]) {
			t.Fatalf("channel %d = %v, want %v", c, tensor.Data[c], want[c])
		}
	}
}

func TestFromImageGrayscaleAndPaletteExpandToRGB(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range gray.Pix {
		gray.Pix[i] = 100
	}
	pal := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.RGBA{R: 0, G: 0, B: 255, A: 255}})

	for name, img := range map[string]image.Image{"gray": gray, "palette": pal} {
		tensor, err := FromImage(img, Options{ImageSize: 4, Resample: "nearest"})
		if err != nil {
			t.Fatalf("%s: FromImage() error = %v", name, err)
		}
		if len(tensor.Data) != 4*4*3 {
			t.Fatalf("%s: expected 48 values, got %d", name, len(tensor.Data))
		}
		r, g, b := tensor.Data[0], tensor.Data[1], tensor.Data[2]
		switch name {
		case "gray":
			if !near(r, 100.0/255) || r != g || g != b {
				t.Fatalf("gray: expected equal channels ~0.39, got %v %v %v", r, g, b)
			}
		case "palette":
			if r != 0 || g != 0 || b != 1 {
				t.Fatalf("palette: expected blue, got %v %v %v", r, g, b)
			}
		}
	}
}

func TestFromImageRawPixels(t *testing.T) {
	img := uniform(4, 4, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	tensor, err := FromImage(img, Options{ImageSize: 4, Resample: "nearest", RawPixels: true})
	if err != nil {
		t.Fatalf("FromImage() error = %v", err)
	}
	if tensor.Data[0] != 255 {
		t.Fatalf("expected raw intensity 255, got %v", tensor.Data[0])
	}
}

func TestFromImageResampleFilters(t *testing.T) {
	img := uniform(40, 20, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	for _, filter := range []string{"nearest", "bilinear", "bicubic", "lanczos3", "catmullrom", "approxbilinear"} {
		tensor, err := FromImage(img, Options{ImageSize: 10, Resample: filter})
		if err != nil {
			t.Fatalf("%s: FromImage() error = %v", filter, err)
		}
		if !near(tensor.Data[1], 1) || !near(tensor.Data[0], 0) {
			t.Fatalf("%s: expected green pixel, got %v", filter, tensor.Data[:3])
		}
	}

	_, err := FromImage(img, Options{ImageSize: 10, Resample: "box"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown filter, got %v", err)
	}
}

func TestLoadIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 97, 51))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 31)
	}
	path := writePNG(t, dir, "leaf.png", img)

	first, err := Load(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := Load(path, DefaultOptions())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("value %d differs between runs: %v vs %v", i, first.Data[i], second.Data[i])
		}
	}
}

func TestLoadRejectsNonImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.png")
	if err := os.WriteFile(path, []byte("just some text"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path, DefaultOptions()); !domain.IsKind(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
}

func TestDecodeRejectsTruncatedBodyThatVerifies(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	full, err := os.ReadFile(writePNG(t, dir, "full.png", img))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	path := filepath.Join(dir, "truncated.png")
	if err := os.WriteFile(path, full[:len(full)/2], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Verify(path); err != nil {
		t.Fatalf("header check should pass for a truncated body, got %v", err)
	}
	if _, err := Decode(path); !domain.IsKind(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage from full decode, got %v", err)
	}
	if _, err := Load(path, DefaultOptions()); !domain.IsKind(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage from Load, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()

	pngPath := writePNG(t, dir, "ok.png", uniform(30, 20, color.NRGBA{A: 255}))
	info, err := Verify(pngPath)
	if err != nil {
		t.Fatalf("Verify(png) error = %v", err)
	}
	if info.Format != "png" || info.Width != 30 || info.Height != 20 {
		t.Fatalf("unexpected info %+v", info)
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, uniform(8, 8, color.NRGBA{G: 255, A: 255}), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	jpgPath := filepath.Join(dir, "ok.jpg")
	if err := os.WriteFile(jpgPath, jpg.Bytes(), 0o644); err != nil {
		t.Fatalf("write jpeg: %v", err)
	}
	if info, err := Verify(jpgPath); err != nil || info.Format != "jpeg" {
		t.Fatalf("Verify(jpeg) = %+v, %v", info, err)
	}

	textPath := filepath.Join(dir, "fake.png")
	if err := os.WriteFile(textPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Verify(textPath); !domain.IsKind(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage for text file, got %v", err)
	}

	var gifBuf bytes.Buffer
	if err := gif.Encode(&gifBuf, uniform(4, 4, color.NRGBA{A: 255}), nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	gifPath := filepath.Join(dir, "anim.png")
	if err := os.WriteFile(gifPath, gifBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("write gif: %v", err)
	}
	if _, err := Verify(gifPath); !domain.IsKind(err, domain.ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage for gif renamed to png, got %v", err)
	}
}
