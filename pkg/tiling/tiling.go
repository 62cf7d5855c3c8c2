// Package tiling bridges feature geometry and the HEALPix grid. Per-pixel corner
// polygons, local-frame rotations and true areas are computed once and cached.
package tiling

import (
	"math"
	"sync"

	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/healpix"
	"github.com/paulmach/orb"
)

// DefaultOrder is the order sub-features are stored at
const DefaultOrder = 5

type pixelKey struct {
	order int
	pix   int64
}

// Adapter holds the pixel caches. The zero value is ready to use and safe for
// concurrent use; a racing first computation of the same key is harmless.
type Adapter struct {
	corners   sync.Map // pixelKey -> orb.Polygon
	rotations sync.Map // pixelKey -> geo.Rotation
	areas     sync.Map // pixelKey -> float64
}

// New returns an empty adapter
func New() *Adapter {
	return &Adapter{}
}

// PixelCorners returns the closed N-W-S-E-N ring of the pixel, antimeridian normalized
func (a *Adapter) PixelCorners(order int, pix int64) orb.Polygon {
	key := pixelKey{order, pix}
	if v, ok := a.corners.Load(key); ok {
		return v.(orb.Polygon)
	}
	c := healpix.Corners(order, pix)
	ring := orb.Ring{
		geo.VectorToPoint(c[0]),
		geo.VectorToPoint(c[1]),
		geo.VectorToPoint(c[2]),
		geo.VectorToPoint(c[3]),
		geo.VectorToPoint(c[0]),
	}
	poly := geo.NormalizeGeoJSON(orb.Polygon{ring}).(orb.Polygon)
	v, _ := a.corners.LoadOrStore(key, poly)
	return v.(orb.Polygon)
}

// PixelRotation returns the rotation pair moving the pixel center onto (0,0)
func (a *Adapter) PixelRotation(order int, pix int64) geo.Rotation {
	key := pixelKey{order, pix}
	if v, ok := a.rotations.Load(key); ok {
		return v.(geo.Rotation)
	}
	v, _ := a.rotations.LoadOrStore(key, geo.NewRotation(healpix.PixToVec(order, pix)))
	return v.(geo.Rotation)
}

// PixelTrueArea is the spherical area of the pixel's corner polygon, measured in
// its local frame
func (a *Adapter) PixelTrueArea(order int, pix int64) float64 {
	key := pixelKey{order, pix}
	if v, ok := a.areas.Load(key); ok {
		return v.(float64)
	}
	local := geo.RotatePolygon(a.PixelCorners(order, pix), a.PixelRotation(order, pix).Forward)
	v, _ := a.areas.LoadOrStore(key, geo.PolygonArea(local))
	return v.(float64)
}

// CentroidPixelIndex returns the pixel holding the vertex centroid of mp, with the
// centroid longitude folded into [0,360) before lookup
func (a *Adapter) CentroidPixelIndex(mp orb.MultiPolygon, order int) int64 {
	c := geo.Centroid(mp)
	lon := math.Mod(c[0], 360)
	if lon < 0 {
		lon += 360
	}
	return healpix.VecToPix(order, geo.PointToVector(orb.Point{lon, c[1]}))
}

// DiscPixels returns the pixels that may intersect the cap around center with the
// given radius in radians. It over-selects but never misses a pixel.
func (a *Adapter) DiscPixels(center orb.Point, radius float64, order int) []int64 {
	return healpix.QueryDiscInclusive(order, geo.PointToVector(center), radius)
}

// AllSky returns the 12 base pixels as one multi-polygon covering the sphere
func (a *Adapter) AllSky() orb.MultiPolygon {
	mp := make(orb.MultiPolygon, 0, 12)
	for pix := int64(0); pix < 12; pix++ {
		mp = append(mp, a.PixelCorners(0, pix))
	}
	return mp
}
