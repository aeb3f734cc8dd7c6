package preview

import (
	"context"
	"fmt"
	"image"

	"github.com/cryoetlab/tomothumb/tomo"
	"github.com/cryoetlab/tomothumb/volume"
)

// DefaultTargetSize is the approximate thumbnail edge length in pixels.
const DefaultTargetSize = 200

// GenOptions adjusts thumbnail rendering.
type GenOptions struct {
	// TargetSize is the approximate maximum edge length of the thumbnail.
	// Plane axes are decimated by max(1, axis/TargetSize) so the result
	// can be slightly larger than TargetSize but never needs a second
	// resampling pass.  DefaultTargetSize is used if zero.
	TargetSize int
}

// Generate renders a thumbnail from the middle z slice of the volume's
// coarsest resolution level.  Sample values are scaled to [0, 255] using
// the slice min and max; a slice with no contrast renders black.
func Generate(ctx context.Context, vol volume.Multiscale, opts GenOptions) (*tomo.Image, error) {
	target := opts.TargetSize
	if target <= 0 {
		target = DefaultTargetSize
	}
	level, err := volume.Coarsest(vol.Levels())
	if err != nil {
		return nil, fmt.Errorf("Volume %q: %v", vol.UID(), err)
	}
	depth := level.Shape.Depth()
	z := depth / 2
	sy := level.Shape.Height() / target
	if sy < 1 {
		sy = 1
	}
	sx := level.Shape.Width() / target
	if sx < 1 {
		sx = 1
	}

	timedLog := tomo.NewTimeLog()
	plane, err := vol.ReadPlane(ctx, level.Key, z, sy, sx)
	if err != nil {
		return nil, fmt.Errorf("Unable to read plane %d of volume %q: %v", z, vol.UID(), err)
	}
	img, err := renderPlane(plane)
	if err != nil {
		return nil, fmt.Errorf("Unable to render plane %d of volume %q: %v", z, vol.UID(), err)
	}
	timedLog.Debugf("Rendered %d x %d thumbnail from level %d, plane %d of volume %q",
		plane.Width, plane.Height, level.Key, z, vol.UID())
	return img, nil
}

// renderPlane converts numeric plane samples into an 8-bit image.
func renderPlane(plane *volume.Plane) (*tomo.Image, error) {
	switch plane.Channels {
	case 1:
		values, err := plane.Values()
		if err != nil {
			return nil, err
		}
		gray := tomo.ImageGrayFromData(normalize(values), plane.Width, plane.Height)
		var img tomo.Image
		if err := img.Set(gray); err != nil {
			return nil, err
		}
		return &img, nil

	case 3, 4:
		var samples []uint8
		if plane.Dtype == volume.Uint8 {
			// 8-bit color samples pass through unscaled.
			samples = plane.Data
		} else {
			values, err := plane.Values()
			if err != nil {
				return nil, err
			}
			samples = normalize(values)
		}
		dst := image.NewNRGBA(image.Rect(0, 0, plane.Width, plane.Height))
		n := plane.Width * plane.Height
		for i := 0; i < n; i++ {
			src := i * plane.Channels
			dst.Pix[i*4+0] = samples[src+0]
			dst.Pix[i*4+1] = samples[src+1]
			dst.Pix[i*4+2] = samples[src+2]
			if plane.Channels == 4 {
				dst.Pix[i*4+3] = samples[src+3]
			} else {
				dst.Pix[i*4+3] = 255
			}
		}
		var img tomo.Image
		if err := img.Set(dst); err != nil {
			return nil, err
		}
		return &img, nil

	default:
		return nil, fmt.Errorf("Cannot render %d-channel plane", plane.Channels)
	}
}

// normalize scales values to [0, 255] using the slice min and max, with
// fractional results truncated.  A constant slice gives all zeros.
func normalize(values []float64) []uint8 {
	out := make([]uint8, len(values))
	if len(values) == 0 {
		return out
	}
	minVal, maxVal := values[0], values[0]
	for _, v := range values[1:] {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= minVal {
		return out
	}
	for i, v := range values {
		out[i] = uint8((v - minVal) / (maxVal - minVal) * 255)
	}
	return out
}
