package imageset

import (
	"image"

	"github.com/Brownie44l1/segdist/internal/model"
	"github.com/nfnt/resize"
)

// Transform resizes the short side of an image to Size, centre crops it to
// Size x Size and converts it to a CHW float tensor normalised to [-1, 1]
// with mean 0.5 and std 0.5 per channel.
type Transform struct {
	Size int
}

// Apply runs the transform on a decoded image.
func (t Transform) Apply(img image.Image) model.Image {
	size := t.Size
	b := img.Bounds()

	// resize keeps the aspect ratio when one dimension is 0.
	var resized image.Image
	if b.Dx() <= b.Dy() {
		resized = resize.Resize(uint(size), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(size), img, resize.Lanczos3)
	}

	rb := resized.Bounds()
	x0 := rb.Min.X + (rb.Dx()-size)/2
	y0 := rb.Min.Y + (rb.Dy()-size)/2

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := resized.At(x0+x, y0+y).RGBA()

			pixelIndex := y*size + x
			data[pixelIndex] = normalise(r)
			data[plane+pixelIndex] = normalise(g)
			data[2*plane+pixelIndex] = normalise(bl)
		}
	}

	return model.Image{Width: size, Height: size, Channels: 3, Data: data}
}

func normalise(v uint32) float32 {
	return (float32(v)/65535.0 - 0.5) / 0.5
}
