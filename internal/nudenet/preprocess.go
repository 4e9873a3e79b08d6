package nudenet

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// letterbox pads img to a square on the right and bottom edges, scales it to
// size x size and writes it into dst as planar RGB floats in [0,1]. It returns the
// factor that maps model coordinates back to source pixels.
func letterbox(dst []float32, img image.Image, size int) float64 {
	b := img.Bounds()
	side := max(b.Dx(), b.Dy())
	if side <= 0 || size <= 0 {
		clear(dst)
		return 1
	}

	square := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(square, square.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(square, image.Rect(0, 0, b.Dx(), b.Dy()), img, b.Min, draw.Src)

	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), square, square.Bounds(), draw.Src, nil)

	plane := size * size
	for y := 0; y < size; y++ {
		row := scaled.Pix[y*scaled.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			p := row[x*4:]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
	return float64(side) / float64(size)
}

// anchorCount is the number of YOLOv8 predictions for a square input of the given
// size across the stride 8, 16 and 32 heads.
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}
