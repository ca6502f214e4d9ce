package frame

import (
	"fmt"
	"image"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/tiff"
)

// Load decodes a PNG or TIFF file into a Frame.
func Load(path string) (Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads any registered image format. 8-bit grayscale stays 8-bit; 16-bit
// grayscale stays 16-bit; everything else is reduced to 16-bit luminance.
func Decode(r io.Reader) (Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Frame{}, fmt.Errorf("decoding image: %w", err)
	}
	return FromImage(img), nil
}

// FromImage converts a decoded image into a Frame.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		pix := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*w:(y+1)*w], src.Pix[off:off+w])
		}
		return Frame{kind: Gray8, width: w, height: h, pix8: pix}
	case *image.Gray16:
		pix := make([]uint16, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = src.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			}
		}
		return Frame{kind: Gray16, width: w, height: h, pix16: pix}
	}

	pix := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			pix[y*w+x] = uint16((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
		}
	}
	return Frame{kind: Gray16, width: w, height: h, pix16: pix}
}

// Image returns the frame as an *image.Gray or *image.Gray16 sharing no
// memory with f.
func (f Frame) Image() image.Image {
	r := image.Rect(0, 0, f.width, f.height)
	switch f.kind {
	case Gray8:
		img := image.NewGray(r)
		copy(img.Pix, f.pix8)
		return img
	case Gray16:
		img := image.NewGray16(r)
		for i, v := range f.pix16 {
			img.Pix[2*i] = uint8(v >> 8)
			img.Pix[2*i+1] = uint8(v)
		}
		return img
	}
	return image.NewGray(image.Rectangle{})
}
