// Package splitter decomposes footprints into per-pixel sub-features at a fixed
// HEALPix order.
package splitter

import (
	"sort"

	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/rtree"
	"github.com/kass/go-smt-index/pkg/tiling"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/sirupsen/logrus"
)

const (
	// MinAreaDeg2 is the area below which a feature yields no sub-features
	MinAreaDeg2 = 0.00001
	// PreSplitAreaDeg2 is the area above which a feature is first cut on the coarse grid
	PreSplitAreaDeg2 = 500.0

	gridCellDeg = 45.0
	gridMinLon  = -180.0
	gridMaxLon  = 540.0

	// minPieceArea drops grid-clip slivers (steradians)
	minPieceArea = 1e-12
	// discSlack widens the covering disc for edges bulging past the vertices
	discSlack = 1.001
)

// Piece is the part of a feature inside one pixel
type Piece struct {
	HealpixIndex int64
	Geometry     orb.MultiPolygon
	Local        orb.MultiPolygon
	Area         float64
}

// Splitter splits normalized features onto the grid of one order
type Splitter struct {
	tiles *tiling.Adapter
	order int
	grid  *rtree.BoxIndex
	log   logrus.FieldLogger
}

// New creates a splitter for the given order
func New(tiles *tiling.Adapter, order int, log logrus.FieldLogger) (*Splitter, error) {
	grid, err := rtree.NewGrid(gridCellDeg, gridMinLon, gridMaxLon)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Splitter{tiles: tiles, order: order, grid: grid, log: log}, nil
}

// Order returns the target order
func (s *Splitter) Order() int { return s.order }

// Split returns the per-pixel pieces of mp in ascending pixel order
func (s *Splitter) Split(mp orb.MultiPolygon) []Piece {
	return s.split(mp, false)
}

func (s *Splitter) split(mp orb.MultiPolygon, nested bool) []Piece {
	deg2 := geo.Area(mp) * geo.SteradianToDeg2
	if deg2 < MinAreaDeg2 {
		return nil
	}
	if deg2 > PreSplitAreaDeg2 && !nested {
		return s.preSplit(mp)
	}
	return s.discSplit(mp)
}

func (s *Splitter) discSplit(mp orb.MultiPolygon) []Piece {
	center := geo.Centroid(mp)
	radius := geo.MaxDistance(center, mp) * discSlack

	var pieces []Piece
	for _, pix := range s.tiles.DiscPixels(center, radius, s.order) {
		c := geo.RobustIntersection(mp, s.tiles.PixelCorners(s.order, pix), s.tiles.PixelRotation(s.order, pix))
		if c == nil {
			continue
		}
		if p, ok := s.newPiece(pix, c.Local); ok {
			pieces = append(pieces, p)
		}
	}
	return pieces
}

// newPiece derives the original-frame geometry and the clamped area of a local clip
func (s *Splitter) newPiece(pix int64, local orb.MultiPolygon) (Piece, bool) {
	area := geo.Area(local)
	if area <= 0 {
		return Piece{}, false
	}
	if max := s.tiles.PixelTrueArea(s.order, pix); area > max {
		area = max
	}
	rot := s.tiles.PixelRotation(s.order, pix)
	return Piece{
		HealpixIndex: pix,
		Geometry:     geo.NormalizeMultiPolygon(geo.RotateMultiPolygon(local, rot.Inverse)),
		Local:        local,
		Area:         area,
	}, true
}

func (s *Splitter) preSplit(mp orb.MultiPolygon) []Piece {
	byPixel := make(map[int64]Piece)
	for _, poly := range mp {
		cells, err := s.grid.Intersecting(models.BoxFromBound(poly.Bound()))
		if err != nil {
			s.log.WithError(err).Warn("pre-split cell lookup failed")
			continue
		}
		for _, cell := range cells {
			for _, part := range s.clipToCell(poly, cell) {
				if geo.PolygonArea(part) < minPieceArea {
					continue
				}
				for _, p := range s.split(orb.MultiPolygon{part}, true) {
					s.mergePiece(byPixel, p)
				}
			}
		}
	}

	pieces := make([]Piece, 0, len(byPixel))
	for _, p := range byPixel {
		pieces = append(pieces, p)
	}
	sort.Slice(pieces, func(i, j int) bool { return pieces[i].HealpixIndex < pieces[j].HealpixIndex })
	return pieces
}

func (s *Splitter) clipToCell(poly orb.Polygon, cell rtree.Cell) orb.MultiPolygon {
	bound := cell.Box.Bound()
	clipped, err := geo.Intersection(orb.MultiPolygon{poly}, orb.MultiPolygon{bound.ToPolygon()})
	if err == nil {
		return clipped
	}
	s.log.WithError(err).WithField("cell", cell.ID).Debug("cell clip failed, using planar clipper")
	if p := clip.Polygon(bound, poly.Clone()); len(p) > 0 {
		return orb.MultiPolygon{p}
	}
	return nil
}

// mergePiece unions pieces of different grid cells landing on the same pixel.
// A failed union keeps the piece already held.
func (s *Splitter) mergePiece(byPixel map[int64]Piece, p Piece) {
	existing, ok := byPixel[p.HealpixIndex]
	if !ok {
		byPixel[p.HealpixIndex] = p
		return
	}
	local, err := geo.Union(existing.Local, p.Local)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"pixel":     p.HealpixIndex,
			"kept_area": existing.Area,
			"lost_area": p.Area,
		}).Warn("pre-split merge failed, sub-feature area undercounted")
		return
	}
	if merged, ok := s.newPiece(p.HealpixIndex, local); ok {
		byPixel[p.HealpixIndex] = merged
	}
}

// ToSubFeatures tags pieces with their parent feature
func ToSubFeatures(f *models.Feature, pieces []Piece) []*models.SubFeature {
	subs := make([]*models.SubFeature, 0, len(pieces))
	for _, p := range pieces {
		subs = append(subs, &models.SubFeature{
			FeatureID:    f.ID,
			HealpixIndex: p.HealpixIndex,
			Geometry:     p.Geometry,
			Local:        p.Local,
			Area:         p.Area,
			GeogroupID:   f.GeogroupID,
			Fields:       f.Fields,
		})
	}
	return subs
}
