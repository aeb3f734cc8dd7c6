package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/janelia-flyem/go/freetype-go/freetype"
	"github.com/janelia-flyem/go/freetype-go/freetype/raster"
	"github.com/janelia-flyem/go/freetype-go/freetype/truetype"

	"github.com/cryoetlab/tomothumb/tomo"
)

// Font used for placeholder labels, nil until LoadFont succeeds.
var placeholderFont *truetype.Font

// LoadFont parses a TTF file for placeholder labels.  Until a font is
// loaded, placeholders render without text.
func LoadFont(path string) error {
	fontBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("Unable to read font file %q: %v", path, err)
	}
	font, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return fmt.Errorf("Unable to parse font file %q: %v", path, err)
	}
	placeholderFont = font
	return nil
}

// Placeholder returns a neutral image used when a run has no tomograms or
// generation failed.  The message and pixel size are drawn if a font has
// been loaded.
func Placeholder(width, height int, message string) (*tomo.Image, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("Cannot make %d x %d placeholder", width, height)
	}
	size := float64(12)
	spacing := float64(1.5)

	fg, bg := image.Black, image.White
	ruler := color.NRGBA{0xdd, 0xdd, 0xdd, 0xff}
	rgba := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(rgba, rgba.Bounds(), bg, image.Point{}, draw.Src)

	// Draw the guidelines.
	for x := 10; x < width-10; x++ {
		rgba.Set(x, 10, ruler)
	}
	for y := 10; y < height-10; y++ {
		rgba.Set(10, y, ruler)
	}

	if placeholderFont != nil {
		c := freetype.NewContext()
		c.SetDPI(72)
		c.SetFont(placeholderFont)
		c.SetFontSize(size)
		c.SetClip(rgba.Bounds())
		c.SetDst(rgba)
		c.SetSrc(fg)

		rasterToInt := func(f32 raster.Fix32) int {
			return int(f32 >> 8)
		}
		fontY := c.PointToFix32(size * spacing)
		y := 10 + rasterToInt(c.PointToFix32(size))

		pt := freetype.Pt(15, y+rasterToInt(fontY))
		if _, err := c.DrawString(message, pt); err != nil {
			return nil, err
		}
		pt.Y += fontY
		sizeStr := fmt.Sprintf("%d x %d pixels", width, height)
		if _, err := c.DrawString(sizeStr, pt); err != nil {
			return nil, err
		}
	}

	var img tomo.Image
	if err := img.Set(rgba); err != nil {
		return nil, err
	}
	return &img, nil
}
