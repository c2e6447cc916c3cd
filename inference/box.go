package inference

import (
	"context"
	"image"
	"math"
)

// BoxSegmenter masks exactly the prompt rectangle. It stands in for a model in
// development and tests.
type BoxSegmenter struct{}

func (BoxSegmenter) Segment(ctx context.Context, img image.Image, box Box) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := box.Validate(); err != nil {
		return nil, err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	x1, x2 := clamp(math.Floor(box.X1), w), clamp(math.Ceil(box.X2), w)
	y1, y2 := clamp(math.Floor(box.Y1), h), clamp(math.Ceil(box.Y2), h)

	mask := make([]byte, w*h)
	for y := y1; y < y2; y++ {
		row := mask[y*w : (y+1)*w]
		for x := x1; x < x2; x++ {
			row[x] = 255
		}
	}
	return mask, nil
}

func clamp(v float64, limit int) int {
	if v < 0 {
		return 0
	}
	if v > float64(limit) {
		return limit
	}
	return int(v)
}
