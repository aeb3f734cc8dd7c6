/*
	Package preview selects the best tomogram of a run and renders its
	middle slice into a small grayscale or color image.  It only depends
	on narrow read interfaces so hosts can expose experiment data however
	they store it.
*/
package preview

import (
	"context"

	"github.com/cryoetlab/tomothumb/volume"
)

// Run is one tilt series acquisition with its reconstructed tomograms,
// possibly at several voxel spacings.
type Run interface {
	// Name returns the run name unique within a project.
	Name() string

	// VoxelSpacings returns the spacings holding reconstructions of
	// this run, in no particular order.
	VoxelSpacings() []VoxelSpacing
}

// VoxelSpacing groups the tomograms of a run reconstructed at one
// sampling interval.
type VoxelSpacing interface {
	// Spacing returns the sampling interval in Ångström.
	Spacing() float64

	// Tomograms returns the reconstructions at this spacing.
	Tomograms() []Tomogram
}

// Tomogram is a single reconstruction of a run.
type Tomogram interface {
	// RunName returns the name of the owning run.
	RunName() string

	// Type returns the reconstruction type, e.g. "wbp" or "denoised".
	Type() string

	// Spacing returns the voxel spacing of this reconstruction in
	// Ångström.
	Spacing() float64

	// Volume opens the backing multiscale volume for reading.
	Volume(ctx context.Context) (volume.Multiscale, error)
}
