package geo

import (
	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/peterstace/simplefeatures/geom"
	"github.com/sirupsen/logrus"
)

const (
	// fallbackMinArea drops unkinked slivers before intersecting them (steradians)
	fallbackMinArea = 1e-15
	// unionPrecision is the number of decimals kept after each multi-union merge
	unionPrecision = 6
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger sets the logger used to report recovered geometry failures
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

// Clip is the part of a feature inside one pixel, in original and pixel-local frames
type Clip struct {
	Geometry orb.MultiPolygon
	Local    orb.MultiPolygon
}

// Intersection returns the planar intersection of two multi-polygons
func Intersection(a, b orb.MultiPolygon) (orb.MultiPolygon, error) {
	g, err := geom.Intersection(toGeom(a), toGeom(b))
	if err != nil {
		return nil, errors.Wrap(err, "intersection")
	}
	return fromGeom(g), nil
}

// Union returns the planar union of two multi-polygons
func Union(a, b orb.MultiPolygon) (orb.MultiPolygon, error) {
	g, err := geom.Union(toGeom(a), toGeom(b))
	if err != nil {
		return nil, errors.Wrap(err, "union")
	}
	return fromGeom(g), nil
}

// UnionMergeMultiPolygon collapses the parts of mp by pairwise union. On failure the
// original geometry is returned together with the error.
func UnionMergeMultiPolygon(mp orb.MultiPolygon) (orb.MultiPolygon, error) {
	if len(mp) < 2 {
		return mp, nil
	}
	acc := orb.MultiPolygon{mp[0]}
	for _, p := range mp[1:] {
		u, err := Union(acc, orb.MultiPolygon{p})
		if err != nil {
			return mp, err
		}
		acc = u
	}
	return acc, nil
}

// RobustIntersection clips g against a pixel polygon inside the pixel's local frame.
// Each polygon of g is handled on its own; a polygon whose boolean op fails is
// cleaned and unkinked and retried piecewise. Returns nil when nothing survives.
func RobustIntersection(g orb.MultiPolygon, pixel orb.Polygon, rot Rotation) *Clip {
	localPixel := orb.MultiPolygon{RotatePolygon(pixel, rot.Forward)}
	var local orb.MultiPolygon
	for _, p := range g {
		lp := RotatePolygon(p, rot.Forward)
		part, err := Intersection(orb.MultiPolygon{lp}, localPixel)
		if err != nil {
			part, err = intersectUnkinked(lp, localPixel)
			if err != nil {
				logger.WithError(err).Debug("pixel intersection failed, treating as empty")
				continue
			}
		}
		local = append(local, part...)
	}
	if len(local) == 0 {
		return nil
	}
	return &Clip{
		Geometry: NormalizeMultiPolygon(RotateMultiPolygon(local, rot.Inverse)),
		Local:    local,
	}
}

func intersectUnkinked(p orb.Polygon, pixel orb.MultiPolygon) (orb.MultiPolygon, error) {
	var acc orb.MultiPolygon
	for _, piece := range Unkink(Clean(p)) {
		if PolygonArea(piece) < fallbackMinArea {
			continue
		}
		part, err := Intersection(orb.MultiPolygon{piece}, pixel)
		if err != nil {
			return nil, errors.Wrap(err, "unkinked piece")
		}
		if len(part) == 0 {
			continue
		}
		if acc == nil {
			acc = part
			continue
		}
		if acc, err = Union(acc, part); err != nil {
			return nil, errors.Wrap(err, "merging unkinked pieces")
		}
	}
	return acc, nil
}

// MultiUnion unions geoms as a balanced binary reduction. stop is checked before
// every merge and aborts the whole job; progress sees each partial union. A failed
// merge drops both of its operands. Returns nil when cancelled or when nothing
// could be unioned.
func MultiUnion(geoms []orb.MultiPolygon, stop func() bool, progress func(orb.MultiPolygon)) orb.MultiPolygon {
	if len(geoms) == 0 {
		return nil
	}
	if len(geoms) == 1 {
		return geoms[0]
	}
	u := &multiUnion{stop: stop, progress: progress, union: Union}
	out, ok := u.reduce(geoms)
	if !ok {
		return nil
	}
	return out
}

type multiUnion struct {
	stop     func() bool
	progress func(orb.MultiPolygon)
	union    func(a, b orb.MultiPolygon) (orb.MultiPolygon, error)
}

// reduce returns the union of geoms, nil when every merge failed, and false once
// stopped
func (u *multiUnion) reduce(geoms []orb.MultiPolygon) (orb.MultiPolygon, bool) {
	if u.stop != nil && u.stop() {
		return nil, false
	}
	if len(geoms) == 1 {
		return geoms[0], true
	}
	mid := len(geoms) / 2
	left, ok := u.reduce(geoms[:mid])
	if !ok {
		return nil, false
	}
	right, ok := u.reduce(geoms[mid:])
	if !ok {
		return nil, false
	}
	switch {
	case left == nil:
		return right, true
	case right == nil:
		return left, true
	}
	if u.stop != nil && u.stop() {
		return nil, false
	}
	merged, err := u.union(left, right)
	if err != nil {
		logger.WithError(err).Debug("multi-union merge failed, dropping both sides")
		return nil, true
	}
	merged = Truncate(merged, unionPrecision)
	if u.progress != nil {
		u.progress(merged)
	}
	return merged, true
}

func toGeom(mp orb.MultiPolygon) geom.Geometry {
	polys := make([]geom.Polygon, 0, len(mp))
	for _, p := range mp {
		if sp, ok := toPolygon(p); ok {
			polys = append(polys, sp)
		}
	}
	return geom.NewMultiPolygon(polys).AsGeometry()
}

func toPolygon(p orb.Polygon) (geom.Polygon, bool) {
	rings := make([]geom.LineString, 0, len(p))
	for i, r := range p {
		if len(r) < 3 {
			if i == 0 {
				return geom.Polygon{}, false
			}
			continue
		}
		coords := make([]float64, 0, 2*len(r)+2)
		for _, pt := range r {
			coords = append(coords, pt[0], pt[1])
		}
		if !r.Closed() {
			coords = append(coords, r[0][0], r[0][1])
		}
		rings = append(rings, geom.NewLineString(geom.NewSequence(coords, geom.DimXY)))
	}
	return geom.NewPolygon(rings), true
}

func fromGeom(g geom.Geometry) orb.MultiPolygon {
	if g.IsEmpty() {
		return nil
	}
	var out orb.MultiPolygon
	switch g.Type() {
	case geom.TypePolygon:
		if p := fromPolygon(g.MustAsPolygon()); p != nil {
			out = append(out, p)
		}
	case geom.TypeMultiPolygon:
		mp := g.MustAsMultiPolygon()
		for i := 0; i < mp.NumPolygons(); i++ {
			if p := fromPolygon(mp.PolygonN(i)); p != nil {
				out = append(out, p)
			}
		}
	case geom.TypeGeometryCollection:
		gc := g.MustAsGeometryCollection()
		for i := 0; i < gc.NumGeometries(); i++ {
			out = append(out, fromGeom(gc.GeometryN(i))...)
		}
	}
	return out
}

func fromPolygon(p geom.Polygon) orb.Polygon {
	if p.IsEmpty() {
		return nil
	}
	out := orb.Polygon{fromRing(p.ExteriorRing())}
	for i := 0; i < p.NumInteriorRings(); i++ {
		out = append(out, fromRing(p.InteriorRingN(i)))
	}
	return out
}

func fromRing(ls geom.LineString) orb.Ring {
	seq := ls.Coordinates()
	r := make(orb.Ring, seq.Length())
	for i := range r {
		xy := seq.GetXY(i)
		r[i] = orb.Point{xy.X, xy.Y}
	}
	return r
}
