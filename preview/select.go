package preview

import (
	"errors"
	"sort"
	"strings"

	"github.com/cryoetlab/tomothumb/tomo"
)

// ErrNoTomograms is returned when a run holds no tomograms at any spacing.
var ErrNoTomograms = errors.New("run has no tomograms")

// DefaultPreferredTypes orders reconstruction types from most to least
// desirable for previews.  Matching is a case-insensitive substring test
// so "SIRT-denoised" counts as denoised.
var DefaultPreferredTypes = []string{"denoised", "wbp"}

// Select picks the tomogram a preview of the run should be rendered from.
// All tomograms are gathered across the run's voxel spacings, then only
// those at the coarsest populated spacing are considered since they are
// the cheapest to read.  The first preferred type found wins; if none
// match, the first tomogram at that spacing is used.  A nil prefs uses
// DefaultPreferredTypes.
func Select(run Run, prefs []string) (Tomogram, error) {
	if prefs == nil {
		prefs = DefaultPreferredTypes
	}

	var tomograms []Tomogram
	for _, vs := range run.VoxelSpacings() {
		tomograms = append(tomograms, vs.Tomograms()...)
	}
	if len(tomograms) == 0 {
		return nil, ErrNoTomograms
	}

	// Distinct spacings sorted coarsest first.  Spacings come from the
	// tomograms themselves, so the coarsest group is never empty.
	seen := make(map[float64]struct{})
	var spacings []float64
	for _, t := range tomograms {
		if _, found := seen[t.Spacing()]; !found {
			seen[t.Spacing()] = struct{}{}
			spacings = append(spacings, t.Spacing())
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(spacings)))
	coarsest := spacings[0]

	var candidates []Tomogram
	for _, t := range tomograms {
		if t.Spacing() == coarsest {
			candidates = append(candidates, t)
		}
	}

	for _, pref := range prefs {
		pref = strings.ToLower(pref)
		for _, t := range candidates {
			if strings.Contains(strings.ToLower(t.Type()), pref) {
				tomo.Debugf("Selected %q tomogram at %.2f Å for run %q\n",
					t.Type(), coarsest, run.Name())
				return t, nil
			}
		}
	}
	tomo.Debugf("No preferred tomogram type for run %q, using %q at %.2f Å\n",
		run.Name(), candidates[0].Type(), coarsest)
	return candidates[0], nil
}
