package geo

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/paulmach/orb"
)

const (
	// universalDot is the min centroid/vertex dot product below which a cap covers the sphere
	universalDot = -0.9999999
	// coincidentAngle separates identical and antipodal cap centers from the general case
	coincidentAngle = 1e-8
	// capSlack widens merged caps so containment survives rounding
	capSlack = 1e-9
)

// CapCenter returns the cap axis
func CapCenter(c models.Cap) r3.Vector {
	return r3.Vector{X: c[0], Y: c[1], Z: c[2]}
}

// NewCap builds a cap from a center and the cosine of its half-angle
func NewCap(center r3.Vector, cosa float64) models.Cap {
	center = center.Normalize()
	return models.Cap{center.X, center.Y, center.Z, clamp(cosa, -1, 1)}
}

// BoundingCap returns a cap centered on the vertex centroid holding every vertex of mp
func BoundingCap(mp orb.MultiPolygon) models.Cap {
	centroid := Centroid(mp)
	center := PointToVector(centroid)
	minDot := 1.0
	eachVertex(mp, func(p orb.Point) {
		if d := center.Dot(PointToVector(p)); d < minDot {
			minDot = d
		}
	})
	if minDot <= universalDot {
		return models.UniversalCap
	}
	return NewCap(center, minDot)
}

// CapContainsCap reports whether c1 holds all of c2
func CapContainsCap(c1, c2 models.Cap) bool {
	if c1.IsUniversal() {
		return true
	}
	d1, d2 := c1[3], c2[3]
	a := CapCenter(c1).Dot(CapCenter(c2)) - d1*d2
	return d1 <= d2 && (a >= 1 || (a >= 0 && a*a >= (1-d1*d1)*(1-d2*d2)))
}

// MergeCaps returns the smallest cap holding both inputs
func MergeCaps(c1, c2 models.Cap) models.Cap {
	if c1.IsUniversal() || c2.IsUniversal() {
		return models.UniversalCap
	}
	if CapContainsCap(c1, c2) {
		return c1
	}
	if CapContainsCap(c2, c1) {
		return c2
	}

	v1, v2 := CapCenter(c1), CapCenter(c2)
	a1 := math.Acos(clamp(c1[3], -1, 1))
	a2 := math.Acos(clamp(c2[3], -1, 1))
	dist := math.Acos(clamp(v1.Dot(v2), -1, 1))

	if dist < coincidentAngle {
		return NewCap(v1, math.Min(c1[3], c2[3]))
	}
	if math.Pi-dist < coincidentAngle {
		return models.UniversalCap
	}

	angle := (a1 + a2 + dist) / 2
	if angle+capSlack >= math.Pi {
		return models.UniversalCap
	}
	// walk v1 toward v2 so that both far edges touch the new boundary, then pad
	center := AxisAngle(v1.Cross(v2), angle-a1).Apply(v1)
	return NewCap(center, math.Cos(angle+capSlack))
}

// CapAngle returns the half-angle of c in radians
func CapAngle(c models.Cap) float64 {
	return math.Acos(clamp(c[3], -1, 1))
}
