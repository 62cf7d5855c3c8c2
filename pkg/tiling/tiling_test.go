package tiling

import (
	"fmt"
	"math"
	"testing"

	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/healpix"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelCornersClosedRing(t *testing.T) {
	a := New()
	for _, order := range []int{0, 2, 5} {
		for pix := int64(0); pix < healpix.NPix(order); pix += 97 {
			poly := a.PixelCorners(order, pix)
			require.Len(t, poly, 1)
			ring := poly[0]
			require.Len(t, ring, 5)
			assert.Equal(t, ring[0], ring[4])
			assert.Equal(t, poly, a.PixelCorners(order, pix), "cached corners must be identical")
		}
	}
}

func TestPixelCornersNormalized(t *testing.T) {
	a := New()
	for pix := int64(0); pix < healpix.NPix(3); pix++ {
		ring := a.PixelCorners(3, pix)[0]
		for _, p := range ring {
			assert.True(t, p[0] > -180 && p[0] < 360, "lon %f out of range", p[0])
		}
		assert.Equal(t, ring, geo.NormalizeGeoJSON(orb.Polygon{ring}).(orb.Polygon)[0])
	}
}

// Corner polygons have geodesic edges while HEALPix pixel edges are not great
// circles, so single pixels near the polar caps fall up to ~10% under the
// nominal equal area
const trueAreaSpread = 0.12

func TestPixelTrueArea(t *testing.T) {
	a := New()
	for _, order := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("order %d", order), func(t *testing.T) {
			nominal := 4 * math.Pi / float64(healpix.NPix(order))
			total := 0.0
			for pix := int64(0); pix < healpix.NPix(order); pix++ {
				area := a.PixelTrueArea(order, pix)
				assert.InEpsilon(t, nominal, area, trueAreaSpread, "pixel %d", pix)
				total += area
			}
			// adjacent corner polygons share their edges and tile the sphere
			assert.InEpsilon(t, 4*math.Pi, total, 1e-4)
		})
	}
}

func TestPixelRotationCentersPixel(t *testing.T) {
	a := New()
	rot := a.PixelRotation(5, 4321)
	c := geo.VectorToPoint(rot.Forward.Apply(healpix.PixToVec(5, 4321)))
	assert.InDelta(t, 0, c[0], 1e-9)
	assert.InDelta(t, 0, c[1], 1e-9)
}

func TestCentroidPixelIndex(t *testing.T) {
	a := New()
	mp := orb.MultiPolygon{{{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}, {-1, -1}}}}
	pix := a.CentroidPixelIndex(mp, 5)
	assert.Equal(t, healpix.VecToPix(5, geo.PointToVector(orb.Point{0, 0})), pix)

	shifted := orb.MultiPolygon{{{{359, -1}, {361, -1}, {361, 1}, {359, 1}, {359, -1}}}}
	assert.Equal(t, pix, a.CentroidPixelIndex(shifted, 5))
}

func TestDiscPixelsContainsCentroid(t *testing.T) {
	a := New()
	center := orb.Point{10, 20}
	pixels := a.DiscPixels(center, 0.01, 5)
	assert.Contains(t, pixels, healpix.VecToPix(5, geo.PointToVector(center)))
}

func TestAllSky(t *testing.T) {
	a := New()
	assert.InEpsilon(t, 4*math.Pi, geo.Area(a.AllSky()), 0.02)
}
