// Package healpix implements the HEALPix nested pixelization of the sphere:
// pixel lookup, pixel centers and corners, and inclusive disc queries.
package healpix

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// MaxOrder is the deepest order addressable with int64 pixel indexes
const MaxOrder = 29

const (
	halfPi  = math.Pi / 2
	twoPi   = 2 * math.Pi
	twoThrd = 2.0 / 3.0
)

// face layout of the 12 base pixels
var (
	jrll = [12]int64{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [12]int64{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// Nside returns 2^order
func Nside(order int) int64 { return int64(1) << uint(order) }

// NPix returns the number of pixels at order
func NPix(order int) int64 { return 12 * Nside(order) * Nside(order) }

// ValidPixel reports whether pix is a pixel index at order
func ValidPixel(order int, pix int64) bool {
	return order >= 0 && order <= MaxOrder && pix >= 0 && pix < NPix(order)
}

// CheckPixel returns an error for an invalid (order, pixel) pair
func CheckPixel(order int, pix int64) error {
	if !ValidPixel(order, pix) {
		return fmt.Errorf("invalid healpix pixel %d at order %d", pix, order)
	}
	return nil
}

// Ang2Pix returns the nested pixel holding the direction (z = cos theta, phi)
func Ang2Pix(order int, z, phi float64) int64 {
	nside := Nside(order)
	za := math.Abs(z)
	tt := math.Mod(phi, twoPi)
	if tt < 0 {
		tt += twoPi
	}
	tt /= halfPi // in [0,4)

	var face, ix, iy int64
	if za <= twoThrd {
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * (z * 0.75)
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp >> uint(order)
		ifm := jm >> uint(order)
		switch {
		case ifp == ifm:
			face = ifp | 4
		case ifp < ifm:
			face = ifp
		default:
			face = ifm + 8
		}
		ix = jm & (nside - 1)
		iy = nside - (jp & (nside - 1)) - 1
	} else {
		ntt := int64(tt)
		if ntt > 3 {
			ntt = 3
		}
		tp := tt - float64(ntt)
		tmp := float64(nside) * math.Sqrt(3*(1-za))
		jp := int64(tp * tmp)
		jm := int64((1 - tp) * tmp)
		if jp > nside-1 {
			jp = nside - 1
		}
		if jm > nside-1 {
			jm = nside - 1
		}
		if z >= 0 {
			face = ntt
			ix = nside - jm - 1
			iy = nside - jp - 1
		} else {
			face = ntt + 8
			ix = jp
			iy = jm
		}
	}
	return xyf2nest(order, ix, iy, face)
}

// VecToPix returns the nested pixel holding the direction v
func VecToPix(order int, v r3.Vector) int64 {
	v = v.Normalize()
	return Ang2Pix(order, v.Z, math.Atan2(v.Y, v.X))
}

// PixToVec returns the unit vector of the pixel center
func PixToVec(order int, pix int64) r3.Vector {
	ix, iy, face := nest2xyf(order, pix)
	nside := float64(Nside(order))
	return faceToVec((float64(ix)+0.5)/nside, (float64(iy)+0.5)/nside, face)
}

// Corners returns the north, west, south and east corners of a pixel
func Corners(order int, pix int64) [4]r3.Vector {
	ix, iy, face := nest2xyf(order, pix)
	nside := float64(Nside(order))
	x0, y0 := float64(ix)/nside, float64(iy)/nside
	x1, y1 := float64(ix+1)/nside, float64(iy+1)/nside
	return [4]r3.Vector{
		faceToVec(x1, y1, face),
		faceToVec(x0, y1, face),
		faceToVec(x0, y0, face),
		faceToVec(x1, y0, face),
	}
}

// faceToVec maps fractional face coordinates (x, y in [0,1]) to a unit vector
func faceToVec(x, y float64, face int64) r3.Vector {
	jr := float64(jrll[face]) - x - y
	var nr, z float64
	switch {
	case jr < 1:
		nr = jr
		z = 1 - nr*nr/3
	case jr > 3:
		nr = 4 - jr
		z = nr*nr/3 - 1
	default:
		nr = 1
		z = (2 - jr) * twoThrd
	}
	tmp := float64(jpll[face])*nr + x - y
	if tmp < 0 {
		tmp += 8
	}
	if tmp >= 8 {
		tmp -= 8
	}
	phi := 0.0
	if nr > 1e-15 {
		phi = 0.5 * halfPi * tmp / nr
	}
	st := math.Sqrt((1 - z) * (1 + z))
	return r3.Vector{X: st * math.Cos(phi), Y: st * math.Sin(phi), Z: z}
}

func xyf2nest(order int, ix, iy, face int64) int64 {
	return face<<uint(2*order) + spread(ix) + spread(iy)<<1
}

func nest2xyf(order int, pix int64) (ix, iy, face int64) {
	npface := int64(1) << uint(2*order)
	face = pix >> uint(2*order)
	p := pix & (npface - 1)
	return compress(p), compress(p >> 1), face
}

// spread interleaves the low 32 bits of v with zeros
func spread(v int64) int64 {
	x := uint64(v) & 0xffffffff
	x = (x | x<<16) & 0x0000ffff0000ffff
	x = (x | x<<8) & 0x00ff00ff00ff00ff
	x = (x | x<<4) & 0x0f0f0f0f0f0f0f0f
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return int64(x)
}

// compress collects the even bits of v
func compress(v int64) int64 {
	x := uint64(v) & 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0f0f0f0f0f0f0f0f
	x = (x | x>>4) & 0x00ff00ff00ff00ff
	x = (x | x>>8) & 0x0000ffff0000ffff
	x = (x | x>>16) & 0x00000000ffffffff
	return int64(x)
}

// MaxPixelRadius bounds the angle between any pixel center and its corners at order
func MaxPixelRadius(order int) float64 {
	nside := float64(Nside(order))
	va := zPhiToVec(twoThrd, math.Pi/(4*nside))
	t1 := 1 - 1/nside
	t1 *= t1
	vb := zPhiToVec(1-t1/3, 0)
	return va.Angle(vb).Radians()
}

func zPhiToVec(z, phi float64) r3.Vector {
	st := math.Sqrt((1 - z) * (1 + z))
	return r3.Vector{X: st * math.Cos(phi), Y: st * math.Sin(phi), Z: z}
}

// radiusSlack widens the per-order pixel radius so edge bulges are never missed
const radiusSlack = 1.01

// QueryDiscInclusive returns every pixel at order that may overlap the disc of
// the given radius (radians) around center. It may return extra pixels but
// never misses one. Results are in ascending order.
func QueryDiscInclusive(order int, center r3.Vector, radius float64) []int64 {
	center = center.Normalize()
	if radius >= math.Pi {
		all := make([]int64, NPix(order))
		for i := range all {
			all[i] = int64(i)
		}
		return all
	}

	candidates := make([]int64, 12)
	for i := range candidates {
		candidates[i] = int64(i)
	}
	for o := 0; ; o++ {
		limit := radius + MaxPixelRadius(o)*radiusSlack
		kept := candidates[:0]
		for _, pix := range candidates {
			if PixToVec(o, pix).Angle(center).Radians() <= limit {
				kept = append(kept, pix)
			}
		}
		if o == order {
			return kept
		}
		next := make([]int64, 0, 4*len(kept))
		for _, pix := range kept {
			for c := int64(0); c < 4; c++ {
				next = append(next, pix*4+c)
			}
		}
		candidates = next
	}
}
