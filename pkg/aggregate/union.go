package aggregate

import (
	"context"
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
)

// SaturationTolerance is how close to the pixel's true area (steradians) the union
// may get before further merges are skipped
const SaturationTolerance = 1e-7

// UnionResult is the union of the sub-features of one pixel
type UnionResult struct {
	Pixel     int64
	Local     orb.MultiPolygon
	Area      float64
	Saturated bool
	Merges    int
	// Retried counts geometries the running union rejected
	Retried   int
	rot       geo.Rotation
}

// Geometry returns the union in the original frame
func (r *UnionResult) Geometry() orb.MultiPolygon {
	if len(r.Local) == 0 {
		return nil
	}
	return geo.NormalizeMultiPolygon(geo.RotateMultiPolygon(r.Local, r.rot.Inverse))
}

type unionItem struct {
	local orb.MultiPolygon
	area  float64
}

// PixelUnion accumulates the pixel-local geometries of one pixel group and unions
// them with an early exit once the pixel is covered
type PixelUnion struct {
	pixel   int64
	maxArea float64
	rot       geo.Rotation
	seen    map[uint64]struct{}
	items   []unionItem
	log     logrus.FieldLogger
	union   func(a, b orb.MultiPolygon) (orb.MultiPolygon, error)
}

// NewPixelUnion starts a union for pixel at the given order
func NewPixelUnion(tiles *tiling.Adapter, order int, pixel int64, log logrus.FieldLogger) *PixelUnion {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PixelUnion{
		pixel:   pixel,
		maxArea: tiles.PixelTrueArea(order, pixel),
		rot:     tiles.PixelRotation(order, pixel),
		seen:    make(map[uint64]struct{}),
		log:     log,
		union:   geo.Union,
	}
}

// Add folds one sub-feature; identical geometries are only kept once
func (u *PixelUnion) Add(local orb.MultiPolygon, area float64) {
	if len(local) == 0 {
		return
	}
	h := geometryHash(local)
	if _, dup := u.seen[h]; dup {
		return
	}
	u.seen[h] = struct{}{}
	u.items = append(u.items, unionItem{local: local, area: area})
}

// Len returns the number of distinct geometries accumulated
func (u *PixelUnion) Len() int { return len(u.items) }

// Result unions the accumulated geometries, largest first. It stops as soon as
// the running area reaches the pixel area minus SaturationTolerance.
func (u *PixelUnion) Result(ctx context.Context) (*UnionResult, error) {
	res := &UnionResult{Pixel: u.pixel, rot: u.rot}
	if len(u.items) == 0 {
		return res, nil
	}
	sort.SliceStable(u.items, func(i, j int) bool { return u.items[i].area > u.items[j].area })

	acc, area := u.items[0].local, u.items[0].area
	var skipped []orb.MultiPolygon
	for _, it := range u.items[1:] {
		if area >= u.maxArea-SaturationTolerance {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		merged, err := u.union(acc, it.local)
		if err != nil {
			u.log.WithError(err).WithField("pixel", u.pixel).Debug("pixel union merge failed, deferring geometry")
			skipped = append(skipped, it.local)
			continue
		}
		acc, area = merged, geo.Area(merged)
		res.Merges++
	}

	// geometries the running union rejected get a second chance in a balanced
	// reduction, which merges them in a different order
	if len(skipped) > 0 && area < u.maxArea-SaturationTolerance {
		stop := func() bool { return ctx.Err() != nil }
		retry := geo.MultiUnion(append([]orb.MultiPolygon{acc}, skipped...), stop, func(orb.MultiPolygon) { res.Merges++ })
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if retry != nil {
			if a := geo.Area(retry); a > area {
				acc, area = retry, a
			}
		}
		res.Retried = len(skipped)
	}
	res.Local = acc
	res.Area = math.Min(area, u.maxArea)
	res.Saturated = res.Area >= u.maxArea-SaturationTolerance
	return res, nil
}

// geometryHash identifies a geometry by its exact coordinates
func geometryHash(mp orb.MultiPolygon) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, p := range mp {
		for _, r := range p {
			for _, pt := range r {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(pt[0]))
				_, _ = d.Write(buf[:])
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(pt[1]))
				_, _ = d.Write(buf[:])
			}
			_, _ = d.Write([]byte{'|'})
		}
		_, _ = d.Write([]byte{'#'})
	}
	return d.Sum64()
}
