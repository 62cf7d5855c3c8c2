// Package geo is the spherical geometry kernel: vector conversions, rotations,
// bounding caps, antimeridian normalization and robust polygon booleans on
// longitude/latitude rings.
package geo

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

const (
	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// PointToVector maps a lon/lat point in degrees to a unit vector
func PointToVector(p orb.Point) r3.Vector {
	lon := p[0] * degToRad
	lat := p[1] * degToRad
	cosLat := math.Cos(lat)
	return r3.Vector{
		X: cosLat * math.Cos(lon),
		Y: cosLat * math.Sin(lon),
		Z: math.Sin(lat),
	}
}

// VectorToPoint maps a vector of norm ~1 back to lon/lat degrees, lon in (-180,180]
func VectorToPoint(v r3.Vector) orb.Point {
	n := v.Norm()
	if n == 0 {
		return orb.Point{0, 0}
	}
	lat := math.Asin(clamp(v.Z/n, -1, 1))
	lon := math.Atan2(v.Y, v.X)
	return orb.Point{lon * radToDeg, lat * radToDeg}
}

// Mat3 is a row-major 3x3 rotation matrix
type Mat3 [3][3]float64

// Identity is the identity rotation
var Identity = Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// Apply rotates v
func (m Mat3) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Transpose returns the inverse rotation
func (m Mat3) Transpose() Mat3 {
	var t Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// AxisAngle builds the rotation of angle radians about a unit axis (right hand rule)
func AxisAngle(axis r3.Vector, angle float64) Mat3 {
	k := axis.Normalize()
	c, s := math.Cos(angle), math.Sin(angle)
	t := 1 - c
	return Mat3{
		{c + k.X*k.X*t, k.X*k.Y*t - k.Z*s, k.X*k.Z*t + k.Y*s},
		{k.Y*k.X*t + k.Z*s, c + k.Y*k.Y*t, k.Y*k.Z*t - k.X*s},
		{k.Z*k.X*t - k.Y*s, k.Z*k.Y*t + k.X*s, c + k.Z*k.Z*t},
	}
}

// RotationTo returns the shortest rotation taking direction from onto direction to
func RotationTo(from, to r3.Vector) Mat3 {
	f, t := from.Normalize(), to.Normalize()
	d := f.Dot(t)
	switch {
	case d > 1-1e-12:
		return Identity
	case d < -1+1e-12:
		axis := f.Cross(r3.Vector{X: 1})
		if axis.Norm() < 1e-6 {
			axis = f.Cross(r3.Vector{Y: 1})
		}
		return AxisAngle(axis, math.Pi)
	}
	return AxisAngle(f.Cross(t), math.Acos(d))
}

// Rotation is a forward/inverse pair moving a reference direction onto +X and back
type Rotation struct {
	Forward Mat3
	Inverse Mat3
}

// NewRotation re-centers center onto the +X axis, where lon/lat are (0,0)
func NewRotation(center r3.Vector) Rotation {
	fwd := RotationTo(center, r3.Vector{X: 1})
	return Rotation{Forward: fwd, Inverse: fwd.Transpose()}
}

// RotatePoint applies m to the vector form of p and projects back to lon/lat
func RotatePoint(p orb.Point, m Mat3) orb.Point {
	return VectorToPoint(m.Apply(PointToVector(p)))
}

// RotatePolygon returns a rotated copy of p
func RotatePolygon(p orb.Polygon, m Mat3) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		nr := make(orb.Ring, len(r))
		for j, pt := range r {
			nr[j] = RotatePoint(pt, m)
		}
		out[i] = nr
	}
	return out
}

// RotateMultiPolygon returns a rotated copy of mp
func RotateMultiPolygon(mp orb.MultiPolygon, m Mat3) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, p := range mp {
		out[i] = RotatePolygon(p, m)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
