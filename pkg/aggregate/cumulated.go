package aggregate

import (
	"context"
	"sort"

	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
)

// BinArea is the covered area (steradians) up to and including a bin
type BinArea struct {
	Bin  string
	Area float64
}

// CumulatedHistogram computes, for one pixel, the union area covered by all rows
// whose bin is less than or equal to each bin. Bins are processed in sorted order
// and each bin's union starts from the previous bin's union.
type CumulatedHistogram struct {
	tiles *tiling.Adapter
	order int
	pixel int64
	bins  map[string]*PixelUnion
	log   logrus.FieldLogger
}

// NewCumulatedHistogram starts a cumulated histogram for pixel
func NewCumulatedHistogram(tiles *tiling.Adapter, order int, pixel int64, log logrus.FieldLogger) *CumulatedHistogram {
	return &CumulatedHistogram{
		tiles: tiles,
		order: order,
		pixel: pixel,
		bins:  make(map[string]*PixelUnion),
		log:   log,
	}
}

// Add folds one sub-feature into bin
func (h *CumulatedHistogram) Add(bin string, local orb.MultiPolygon, area float64) {
	u, ok := h.bins[bin]
	if !ok {
		u = NewPixelUnion(h.tiles, h.order, h.pixel, h.log)
		h.bins[bin] = u
	}
	u.Add(local, area)
}

// Result returns the running union area per bin in ascending bin order
func (h *CumulatedHistogram) Result(ctx context.Context) ([]BinArea, error) {
	keys := make([]string, 0, len(h.bins))
	for k := range h.bins {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]BinArea, 0, len(keys))
	var carry *UnionResult
	for _, k := range keys {
		u := h.bins[k]
		if carry != nil {
			if carry.Saturated {
				out = append(out, BinArea{Bin: k, Area: carry.Area})
				continue
			}
			u.Add(carry.Local, carry.Area)
		}
		res, err := u.Result(ctx)
		if err != nil {
			return nil, err
		}
		carry = res
		out = append(out, BinArea{Bin: k, Area: res.Area})
	}
	return out, nil
}

// MergeCumulated sums per-pixel cumulated series. Each pixel's last known area is
// carried into every later bin it has no entry for.
func MergeCumulated(series [][]BinArea) []BinArea {
	set := make(map[string]struct{})
	for _, s := range series {
		for _, b := range s {
			set[b.Bin] = struct{}{}
		}
	}
	bins := make([]string, 0, len(set))
	for b := range set {
		bins = append(bins, b)
	}
	sort.Strings(bins)

	totals := make([]float64, len(bins))
	for _, s := range series {
		j, last := 0, 0.0
		for i, bin := range bins {
			if j < len(s) && s[j].Bin == bin {
				last = s[j].Area
				j++
			}
			totals[i] += last
		}
	}
	out := make([]BinArea, len(bins))
	for i, b := range bins {
		out[i] = BinArea{Bin: b, Area: totals[i]}
	}
	return out
}
