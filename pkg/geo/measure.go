package geo

import (
	"math"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// SteradianToDeg2 converts steradians to square degrees
const SteradianToDeg2 = radToDeg * radToDeg

// Area returns the spherical area of mp in steradians, holes subtracted.
// Rings are read as geodesic loops; a clockwise ring counts as its smaller side.
func Area(mp orb.MultiPolygon) float64 {
	total := 0.0
	for _, p := range mp {
		total += PolygonArea(p)
	}
	return total
}

// PolygonArea returns the spherical area of one polygon in steradians
func PolygonArea(p orb.Polygon) float64 {
	if len(p) == 0 {
		return 0
	}
	area := RingArea(p[0])
	for _, hole := range p[1:] {
		area -= RingArea(hole)
	}
	if area < 0 {
		return 0
	}
	return area
}

// RingArea returns the area enclosed by a ring, folded to the side smaller than a hemisphere
func RingArea(r orb.Ring) float64 {
	pts := make([]s2.Point, 0, len(r))
	for i, p := range r {
		if i == len(r)-1 && len(r) > 1 && p == r[0] {
			break
		}
		sp := s2.PointFromLatLng(s2.LatLngFromDegrees(p[1], p[0]))
		if n := len(pts); n > 0 && pts[n-1].ApproxEqual(sp) {
			continue
		}
		pts = append(pts, sp)
	}
	if n := len(pts); n > 1 && pts[0].ApproxEqual(pts[n-1]) {
		pts = pts[:n-1]
	}
	if len(pts) < 3 {
		return 0
	}
	area := s2.LoopFromPoints(pts).Area()
	if area > 2*math.Pi {
		area = 4*math.Pi - area
	}
	return area
}

// Centroid is the mean of all vertices, ring closing points excluded
func Centroid(mp orb.MultiPolygon) orb.Point {
	var sx, sy float64
	n := 0
	eachVertex(mp, func(p orb.Point) {
		sx += p[0]
		sy += p[1]
		n++
	})
	if n == 0 {
		return orb.Point{0, 0}
	}
	return orb.Point{sx / float64(n), sy / float64(n)}
}

// AngularDistance is the haversine great-circle distance between two lon/lat points in radians
func AngularDistance(a, b orb.Point) float64 {
	lat1 := a[1] * degToRad
	lat2 := b[1] * degToRad
	dLat := lat2 - lat1
	dLon := (b[0] - a[0]) * degToRad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// MaxDistance returns the largest angular distance from center to any vertex of mp
func MaxDistance(center orb.Point, mp orb.MultiPolygon) float64 {
	max := 0.0
	eachVertex(mp, func(p orb.Point) {
		if d := AngularDistance(center, p); d > max {
			max = d
		}
	})
	return max
}

// Truncate rounds every coordinate to the given number of decimals
func Truncate(mp orb.MultiPolygon, decimals int) orb.MultiPolygon {
	scale := math.Pow(10, float64(decimals))
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, p := range mp {
		np := make(orb.Polygon, 0, len(p))
		for _, r := range p {
			nr := make(orb.Ring, len(r))
			for i, pt := range r {
				nr[i] = orb.Point{math.Round(pt[0]*scale) / scale, math.Round(pt[1]*scale) / scale}
			}
			np = append(np, nr)
		}
		out = append(out, np)
	}
	return out
}

// eachVertex visits every ring vertex except closing duplicates
func eachVertex(mp orb.MultiPolygon, fn func(orb.Point)) {
	for _, p := range mp {
		for _, r := range p {
			for i, pt := range r {
				if i == len(r)-1 && len(r) > 1 && pt == r[0] {
					continue
				}
				fn(pt)
			}
		}
	}
}
