package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// thumbWidth is the fixed thumbnail width; height preserves aspect ratio.
const thumbWidth = 200

// Thumbnail scales a page PNG down to thumbnail size.
func Thumbnail(pageImage []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(pageImage))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("page image has empty bounds")
	}

	height := bounds.Dy() * thumbWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, thumbWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
