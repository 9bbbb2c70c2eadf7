// Package imageio turns uploaded bytes into the packed RGB matrix the embedding engines consume.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned for every failure to turn bytes into an Image.
var ErrDecode = errors.New("failed to decode image")

// DefaultMaxPixels caps width*height before any pixel data is allocated.
const DefaultMaxPixels = 64 * 1024 * 1024

// Image is a decoded frame in packed 8-bit RGB, row-major, no padding.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// Decoder decodes uploads into Images.
type Decoder struct {
	// MaxDimension downscales the longer side to this many pixels. 0 disables resizing.
	MaxDimension int
	// MaxPixels rejects images whose declared size exceeds it. 0 means DefaultMaxPixels.
	MaxPixels int
}

// NewDecoder returns a Decoder with the given resize limit.
func NewDecoder(maxDimension int) *Decoder {
	return &Decoder{MaxDimension: maxDimension, MaxPixels: DefaultMaxPixels}
}

// Decode reads r fully and decodes it. The format is sniffed from the content, never the filename.
func (d *Decoder) Decode(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrDecode, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}

	// Check declared dimensions first so a tiny file can't claim a gigapixel canvas
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	maxPixels := d.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("%w: %s image has unsupported size %dx%d", ErrDecode, format, cfg.Width, cfg.Height)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}

	src = d.fit(src)
	return toRGB(src), nil
}

// fit downscales src so its longer side is at most MaxDimension, keeping the aspect ratio.
func (d *Decoder) fit(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if d.MaxDimension <= 0 || (w <= d.MaxDimension && h <= d.MaxDimension) {
		return src
	}

	var nw, nh int
	if w >= h {
		nw = d.MaxDimension
		nh = h * d.MaxDimension / w
	} else {
		nh = d.MaxDimension
		nw = w * d.MaxDimension / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// toRGB packs any color model into 8-bit RGB. Alpha is dropped without premultiplying,
// the same as PIL's convert("RGB").
func toRGB(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)

	// Fast path for the layout the resizer and PNG decoder produce
	if n, ok := src.(*image.NRGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := n.PixOffset(b.Min.X, y)
			row := n.Pix[off : off+w*4]
			for x := 0; x < w*4; x += 4 {
				pix = append(pix, row[x], row[x+1], row[x+2])
			}
		}
		return &Image{Width: w, Height: h, Pix: pix}
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			pix = append(pix, c.R, c.G, c.B)
		}
	}
	return &Image{Width: w, Height: h, Pix: pix}
}
