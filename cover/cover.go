// Package cover computes SpheriCode prefix covering sets for radius queries.
//
// Given a query disc it returns a set of fixed-depth code prefixes whose grid
// cells together contain every point of the disc. The cover may include cells
// outside the disc (false positives are filtered downstream by exact distance
// checks) but is guaranteed to never miss one (no false negatives), including
// for discs that straddle the anti-meridian or touch a pole.
package cover

import (
	"sort"

	"github.com/oneminuta/spherigo/geodist"
	"github.com/oneminuta/spherigo/sphericode"
)

// DefaultDepths are the maintained prefix depths, shallowest first. Depths
// beyond the full code length degrade to full-code cells.
var DefaultDepths = []int{2, 4, 6, 8}

// DefaultFanoutCeiling bounds how many prefixes a single cover may return.
const DefaultFanoutCeiling = 64

// Options configures cover computation.
type Options struct {
	// BitsPerAxis is the code precision; defaults to sphericode.DefaultBitsPerAxis.
	BitsPerAxis int
	// Depths are the allowed prefix depths, ascending. Defaults to DefaultDepths.
	Depths []int
	// FanoutCeiling caps the prefix count when choosing a depth.
	// Defaults to DefaultFanoutCeiling.
	FanoutCeiling int
}

func (o *Options) withDefaults() Options {
	out := Options{BitsPerAxis: sphericode.DefaultBitsPerAxis, Depths: DefaultDepths, FanoutCeiling: DefaultFanoutCeiling}
	if o == nil {
		return out
	}
	if o.BitsPerAxis > 0 {
		out.BitsPerAxis = o.BitsPerAxis
	}
	if len(o.Depths) > 0 {
		out.Depths = o.Depths
	}
	if o.FanoutCeiling > 0 {
		out.FanoutCeiling = o.FanoutCeiling
	}
	return out
}

// Cover is a covering set of prefixes at a single depth.
type Cover struct {
	Depth    int
	Prefixes []string
}

// For computes the covering set for a disc of radiusM meters around the
// center. The depth chosen is the deepest maintained depth whose fan-out
// stays at or under the ceiling; if even the shallowest depth exceeds the
// ceiling the shallowest is used regardless (recall beats fan-out).
//
// A non-positive radius degenerates to covering the center's own cell.
func For(lat, lon, radiusM float64, opts *Options) (Cover, error) {
	o := opts.withDefaults()
	if err := sphericode.Validate(lat, lon); err != nil {
		return Cover{}, err
	}
	if radiusM < 0 {
		radiusM = 0
	}

	box := geodist.BoundingBox(lat, lon, radiusM)
	maxCell := uint32(1)<<o.BitsPerAxis - 1

	la0 := quantizeLat(box.MinLat, o.BitsPerAxis)
	la1 := quantizeLat(box.MaxLat, o.BitsPerAxis)

	var lonRanges [][2]uint32
	switch {
	case box.FullLon:
		lonRanges = [][2]uint32{{0, maxCell}}
	case box.Wrapped():
		lonRanges = [][2]uint32{
			{quantizeLon(box.MinLon, o.BitsPerAxis), maxCell},
			{0, quantizeLon(box.MaxLon, o.BitsPerAxis)},
		}
	default:
		lonRanges = [][2]uint32{{quantizeLon(box.MinLon, o.BitsPerAxis), quantizeLon(box.MaxLon, o.BitsPerAxis)}}
	}

	depth := chooseDepth(la0, la1, lonRanges, o)
	return enumerate(la0, la1, lonRanges, depth, o), nil
}

// AtDepth computes the covering set at a fixed depth, bypassing depth
// selection. Used when descending from an overflowing cell into its children.
func AtDepth(lat, lon, radiusM float64, depth int, opts *Options) (Cover, error) {
	o := opts.withDefaults()
	o.Depths = []int{depth}
	o.FanoutCeiling = 1 << 30
	return For(lat, lon, radiusM, &o)
}

// chooseDepth walks the maintained depths from deepest to shallowest and
// picks the first whose prefix count fits under the ceiling.
func chooseDepth(la0, la1 uint32, lonRanges [][2]uint32, o Options) int {
	depths := append([]int(nil), o.Depths...)
	sort.Sort(sort.Reverse(sort.IntSlice(depths)))

	for _, d := range depths {
		if estimate(la0, la1, lonRanges, d, o.BitsPerAxis) <= o.FanoutCeiling {
			return d
		}
	}
	return depths[len(depths)-1]
}

func estimate(la0, la1 uint32, lonRanges [][2]uint32, depth, bits int) int {
	latShift, lonShift := prefixShifts(depth, bits)
	latCount := int(la1>>latShift-la0>>latShift) + 1
	lonCount := 0
	for _, r := range lonRanges {
		lonCount += int(r[1]>>lonShift-r[0]>>lonShift) + 1
	}
	return latCount * lonCount
}

func enumerate(la0, la1 uint32, lonRanges [][2]uint32, depth int, o Options) Cover {
	latShift, lonShift := prefixShifts(depth, o.BitsPerAxis)
	codeLen := sphericode.CodeLen(o.BitsPerAxis)
	cut := depth
	if cut > codeLen {
		cut = codeLen
	}

	set := make(map[string]struct{})
	for lc := la0 >> latShift; lc <= la1>>latShift; lc++ {
		for _, r := range lonRanges {
			for nc := r[0] >> lonShift; nc <= r[1]>>lonShift; nc++ {
				code := sphericode.CellCode(lc<<latShift, nc<<lonShift, o.BitsPerAxis)
				set[code[:cut]] = struct{}{}
			}
		}
	}

	prefixes := make([]string, 0, len(set))
	for p := range set {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return Cover{Depth: depth, Prefixes: prefixes}
}

// prefixShifts returns per-axis right-shifts such that two cells share a
// depth-symbol prefix exactly when their shifted indices are equal.
func prefixShifts(depth, bits int) (latShift, lonShift int) {
	latBits, lonBits := sphericode.PrefixResolution(depth, bits)
	return bits - latBits, bits - lonBits
}

// quantizeLat clamps and floors a latitude in degrees to a cell index.
// Unlike sphericode.Quantize it tolerates values at the extremes produced by
// bounding-box arithmetic.
func quantizeLat(lat float64, bits int) uint32 {
	maxCell := uint32(1)<<bits - 1
	if lat <= -90 {
		return 0
	}
	if lat >= 90 {
		return maxCell
	}
	return uint32((lat + 90) / 180 * float64(maxCell))
}

func quantizeLon(lon float64, bits int) uint32 {
	maxCell := uint32(1)<<bits - 1
	if lon <= -180 {
		return 0
	}
	if lon >= 180 {
		return maxCell
	}
	return uint32((lon + 180) / 360 * float64(maxCell))
}
