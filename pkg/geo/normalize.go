package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// NormalizeGeoJSON folds longitudes into (-180,180] and, when the geometry
// straddles the antimeridian, shifts its negative longitudes by +360 so the
// geometry is contiguous. The input is not modified.
func NormalizeGeoJSON(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	out := project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		switch {
		case p[0] > 180:
			p[0] -= 360
		case p[0] < -180:
			p[0] += 360
		}
		return p
	})
	if crossesAntimeridian(out) {
		out = project.Geometry(out, func(p orb.Point) orb.Point {
			if p[0] < 0 {
				p[0] += 360
			}
			return p
		})
	}
	return out
}

// NormalizeMultiPolygon is NormalizeGeoJSON for multi-polygons
func NormalizeMultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	if mp == nil {
		return nil
	}
	return NormalizeGeoJSON(mp).(orb.MultiPolygon)
}

// crossesAntimeridian reports points on both sides of the +-90 degree longitude band
func crossesAntimeridian(g orb.Geometry) bool {
	var east, west bool
	project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		if p[0] >= 90 {
			east = true
		}
		if p[0] <= -90 {
			west = true
		}
		return p
	})
	return east && west
}

// ToMultiPolygon returns the polygonal content of g as a multi-polygon
func ToMultiPolygon(g orb.Geometry) (orb.MultiPolygon, bool) {
	switch t := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{t}, true
	case orb.MultiPolygon:
		return t, true
	case orb.Bound:
		return orb.MultiPolygon{t.ToPolygon()}, true
	case orb.Collection:
		var mp orb.MultiPolygon
		for _, c := range t {
			if sub, ok := ToMultiPolygon(c); ok {
				mp = append(mp, sub...)
			}
		}
		return mp, len(mp) > 0
	}
	return nil, false
}
