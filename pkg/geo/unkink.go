package geo

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	collinearEps = 1e-14
	// maxKinkSplits bounds the work spent untangling one ring
	maxKinkSplits = 256
)

// Clean removes repeated and collinear vertices from every ring of p
func Clean(p orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, r := range p {
		if c := cleanRing(r); len(c) >= 4 {
			out = append(out, c)
		}
	}
	return out
}

func cleanRing(r orb.Ring) orb.Ring {
	pts := openRing(r)
	changed := true
	for changed && len(pts) >= 3 {
		changed = false
		kept := pts[:0:0]
		n := len(pts)
		for i := 0; i < n; i++ {
			prev, cur, next := pts[(i+n-1)%n], pts[i], pts[(i+1)%n]
			if cur == prev || math.Abs(cross(prev, cur, next)) < collinearEps {
				changed = true
				continue
			}
			kept = append(kept, cur)
		}
		if changed {
			pts = kept
		}
	}
	if len(pts) < 3 {
		return nil
	}
	return closeRing(pts)
}

// Unkink splits the outer ring of p at its self-intersections into simple
// polygons. Holes are not carried over.
func Unkink(p orb.Polygon) []orb.Polygon {
	if len(p) == 0 {
		return nil
	}
	var out []orb.Polygon
	pending := [][]orb.Point{openRing(p[0])}
	splits := 0
	for len(pending) > 0 {
		pts := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if len(pts) < 3 {
			continue
		}
		if splits < maxKinkSplits {
			if a, b, ok := splitAtKink(pts); ok {
				splits++
				pending = append(pending, a, b)
				continue
			}
		}
		out = append(out, orb.Polygon{closeRing(pts)})
	}
	return out
}

// splitAtKink finds the first proper crossing of two non-adjacent edges and
// returns the two loops on either side of it
func splitAtKink(pts []orb.Point) ([]orb.Point, []orb.Point, bool) {
	n := len(pts)
	for i := 0; i < n; i++ {
		a1, a2 := pts[i], pts[(i+1)%n]
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			b1, b2 := pts[j], pts[(j+1)%n]
			x, ok := segmentCrossing(a1, a2, b1, b2)
			if !ok {
				continue
			}
			first := []orb.Point{x}
			first = append(first, pts[i+1:j+1]...)
			second := []orb.Point{x}
			for k := j + 1; k < n; k++ {
				second = append(second, pts[k])
			}
			second = append(second, pts[:i+1]...)
			return first, second, true
		}
	}
	return nil, nil, false
}

// segmentCrossing returns the interior crossing point of segments p1p2 and q1q2
func segmentCrossing(p1, p2, q1, q2 orb.Point) (orb.Point, bool) {
	rx, ry := p2[0]-p1[0], p2[1]-p1[1]
	sx, sy := q2[0]-q1[0], q2[1]-q1[1]
	den := rx*sy - ry*sx
	if math.Abs(den) < collinearEps {
		return orb.Point{}, false
	}
	qpx, qpy := q1[0]-p1[0], q1[1]-p1[1]
	t := (qpx*sy - qpy*sx) / den
	u := (qpx*ry - qpy*rx) / den
	const eps = 1e-12
	if t <= eps || t >= 1-eps || u <= eps || u >= 1-eps {
		return orb.Point{}, false
	}
	return orb.Point{p1[0] + t*rx, p1[1] + t*ry}, true
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func openRing(r orb.Ring) []orb.Point {
	pts := make([]orb.Point, 0, len(r))
	for _, p := range r {
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	if n := len(pts); n > 1 && pts[0] == pts[n-1] {
		pts = pts[:n-1]
	}
	return pts
}

func closeRing(pts []orb.Point) orb.Ring {
	r := make(orb.Ring, 0, len(pts)+1)
	r = append(r, pts...)
	return append(r, pts[0])
}
