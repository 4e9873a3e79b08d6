// Package redactor paints obscuring styles onto a private working copy of an image.
package redactor

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/straja-ai/imgguard/internal/policy"
	"github.com/straja-ai/imgguard/internal/region"
)

// Canvas owns the working copy of one image. It is not safe for concurrent use.
type Canvas struct {
	img *image.RGBA
}

// NewCanvas copies src into a new RGBA buffer anchored at the origin. src is never
// written to.
func NewCanvas(src image.Image) *Canvas {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return &Canvas{img: dst}
}

// Image returns the working copy.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Paint renders style onto r. Regions outside the canvas are clipped; an empty
// intersection paints nothing and reports false.
func (c *Canvas) Paint(r image.Rectangle, style policy.Style) (bool, error) {
	r = r.Intersect(c.img.Bounds())
	if r.Empty() {
		return false, nil
	}

	switch s := style.(type) {
	case policy.Pixelate:
		pixelate(c.img, r, s.EffectiveBlockSize())
	case policy.SolidFill:
		fill(c.img, r, s.Color)
	default:
		return false, fmt.Errorf("unsupported redaction style %T", style)
	}
	return true, nil
}

// PaintAll paints every region in order. It checks ctx between regions and returns
// ctx.Err() when cancelled; the canvas must then be discarded.
func (c *Canvas) PaintAll(ctx context.Context, regions []region.Region, style policy.Style) (bool, error) {
	painted := false
	for _, r := range regions {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := c.Paint(r.Rectangle, style)
		if err != nil {
			return false, err
		}
		painted = painted || ok
	}
	return painted, nil
}

// GridSize returns the mosaic cell count along each axis for a w x h region.
func GridSize(w, h, block int) (cols, rows int) {
	if block < policy.MinBlockSize {
		block = policy.MinBlockSize
	}
	return max(1, w/block), max(1, h/block)
}

// pixelate averages r down to a coarse grid and blows it back up without
// interpolation so every cell becomes one flat block.
func pixelate(img *image.RGBA, r image.Rectangle, block int) {
	cols, rows := GridSize(r.Dx(), r.Dy(), block)
	small := image.NewRGBA(image.Rect(0, 0, cols, rows))
	draw.BiLinear.Scale(small, small.Bounds(), img, r, draw.Src, nil)
	draw.NearestNeighbor.Scale(img, r, small, small.Bounds(), draw.Src, nil)
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	c.A = 0xff
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}
