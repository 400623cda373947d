// Package imageproc decodes dataset images and normalizes them to the
// square resolution the image model expects.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmptyImage  = errors.New("imageproc: empty image buffer")
	ErrInvalidSize = errors.New("imageproc: target size must be positive")
)

// Channels is the number of color channels in a normalized image.
const Channels = 3

// Image is a normalized square RGB image. Pix is laid out height, width,
// channel with values in [0, 1].
type Image struct {
	Size int
	Pix  []float32
}

// At returns the value of channel ch at (x, y).
func (im Image) At(x, y, ch int) float32 {
	return im.Pix[(y*im.Size+x)*Channels+ch]
}

// Normalize decodes raw, scales it so the shorter side equals size and
// center-crops the result to size x size.
func Normalize(raw []byte, size int) (Image, error) {
	if size <= 0 {
		return Image{}, ErrInvalidSize
	}
	if len(raw) == 0 {
		return Image{}, ErrEmptyImage
	}
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Image{}, fmt.Errorf("decode image: %s has empty bounds", format)
	}
	return FromImage(src, size), nil
}

// FromImage normalizes an already decoded image. Alpha is dropped and the
// stored color kept, so transparent pixels are not darkened.
func FromImage(src image.Image, size int) Image {
	crop := cropRect(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Rect, opaque(src, crop), crop, draw.Src, nil)

	pix := make([]float32, 0, size*size*Channels)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			pix = append(pix, float32(px[0])/255, float32(px[1])/255, float32(px[2])/255)
		}
	}
	return Image{Size: size, Pix: pix}
}

// opaque returns the region r of src with every alpha set to 255 and the
// straight (non-premultiplied) color left as stored.
func opaque(src image.Image, r image.Rectangle) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}
	out := image.NewNRGBA(r)
	if n, ok := src.(*image.NRGBA); ok {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			copy(out.Pix[out.PixOffset(r.Min.X, y):out.PixOffset(r.Max.X, y)], n.Pix[n.PixOffset(r.Min.X, y):n.PixOffset(r.Max.X, y)])
		}
	} else {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				out.SetNRGBA(x, y, color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA))
			}
		}
	}
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// cropRect returns the centered square region of b. Scaling that square to
// the target size is the same as resizing the shorter side first and then
// center cropping.
func cropRect(b image.Rectangle) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	side := min(w, h)
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}
