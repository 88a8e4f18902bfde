package annotate

// Package annotate draws a caption onto an image, for visual inspection of results

import (
	"image"

	"github.com/fogleman/gg"
)

const padding = 4

// Caption loads srcPath, draws 'text' in a banner along the bottom, and saves the result as a PNG
func Caption(srcPath, dstPath, text string) error {
	img, err := gg.LoadImage(srcPath)
	if err != nil {
		return err
	}
	return CaptionImage(img, text).SavePNG(dstPath)
}

// CaptionImage returns a drawing context containing 'img' with 'text' drawn along the bottom
func CaptionImage(img image.Image, text string) *gg.Context {
	dc := gg.NewContextForImage(img)
	w := float64(dc.Width())
	h := float64(dc.Height())
	lines := dc.WordWrap(text, w-2*padding)
	if len(lines) == 0 {
		lines = []string{""}
	}
	lineHeight := dc.FontHeight() * 1.4
	bannerHeight := float64(len(lines))*lineHeight + 2*padding

	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(0, h-bannerHeight, w, bannerHeight)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	y := h - bannerHeight + padding
	for _, line := range lines {
		dc.DrawStringAnchored(line, w/2, y+lineHeight/2, 0.5, 0.5)
		y += lineHeight
	}
	return dc
}
