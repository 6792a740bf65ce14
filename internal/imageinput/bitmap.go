package imageinput

import (
	"fmt"
	"image"
	"image/color"
)

// Bitmap is a decoded 8-bit, 3-channel image stored row-major. Uploaded
// files are decoded into BGR order, the convention the face engine uses for
// array inputs.
type Bitmap struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewBitmap validates pix against the given dimensions.
func NewBitmap(width, height int, pix []uint8) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid bitmap size %dx%d", width, height)
	}
	if len(pix) != width*height*3 {
		return nil, fmt.Errorf("bitmap %dx%d needs %d bytes, got %d", width, height, width*height*3, len(pix))
	}
	return &Bitmap{Width: width, Height: height, Pix: pix}, nil
}

// BGRFromImage converts img into a BGR bitmap. Alpha is dropped without
// compositing.
func BGRFromImage(img image.Image) *Bitmap {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, w*h*3)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.B, c.G, c.R
			i += 3
		}
	}
	return &Bitmap{Width: w, Height: h, Pix: pix}
}

// ReverseChannels returns a copy with the channel axis reversed (BGR<->RGB).
func (b *Bitmap) ReverseChannels() *Bitmap {
	pix := make([]uint8, len(b.Pix))
	for i := 0; i+2 < len(b.Pix); i += 3 {
		pix[i], pix[i+1], pix[i+2] = b.Pix[i+2], b.Pix[i+1], b.Pix[i]
	}
	return &Bitmap{Width: b.Width, Height: b.Height, Pix: pix}
}

// Image wraps the bitmap as an opaque image, reading channels as R, G, B.
func (b *Bitmap) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, b.Width, b.Height))
	for src, dst := 0, 0; src+2 < len(b.Pix); src, dst = src+3, dst+4 {
		img.Pix[dst] = b.Pix[src]
		img.Pix[dst+1] = b.Pix[src+1]
		img.Pix[dst+2] = b.Pix[src+2]
		img.Pix[dst+3] = 0xff
	}
	return img
}
