// Package rtree indexes lon/lat boxes in an R-Tree. The splitter uses it to find the
// coarse grid cells a large footprint overlaps before clipping.
package rtree

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dhconnelly/rtreego"
	"github.com/kass/go-smt-index/pkg/models"
)

const (
	// tolerance pads degenerate extents so every box has a positive size
	tolerance   = 1e-9
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
)

// Cell is an indexed box with a caller-defined id
type Cell struct {
	ID  int
	Box models.BoundingBox
}

// spatialCell wraps a Cell to implement rtreego.Spatial
type spatialCell struct {
	Cell
	rect *rtreego.Rect
}

func (sc *spatialCell) Bounds() *rtreego.Rect {
	return sc.rect
}

// BoxIndex is a thread-safe R-Tree of lon/lat boxes
type BoxIndex struct {
	tree      *rtreego.Rtree
	mu        sync.RWMutex
	itemCount atomic.Int64
}

// NewBoxIndex creates an empty index
func NewBoxIndex() *BoxIndex {
	return &BoxIndex{
		tree: rtreego.NewTree(dimensions, minChildren, maxChildren),
	}
}

// NewGrid indexes a regular grid of cellSize-degree cells covering
// lon [minLon,maxLon) and lat [-90,90). Cell ids follow row-major order.
func NewGrid(cellSize, minLon, maxLon float64) (*BoxIndex, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("invalid cell size %f", cellSize)
	}
	index := NewBoxIndex()
	id := 0
	for lat := -90.0; lat < 90; lat += cellSize {
		for lon := minLon; lon < maxLon; lon += cellSize {
			box := models.BoundingBox{
				BottomLeft: models.Location{Lat: lat, Lon: lon},
				TopRight:   models.Location{Lat: lat + cellSize, Lon: lon + cellSize},
			}
			if err := index.Insert(Cell{ID: id, Box: box}); err != nil {
				return nil, err
			}
			id++
		}
	}
	return index, nil
}

// Insert adds one cell
func (b *BoxIndex) Insert(c Cell) error {
	rect, err := toRect(c.Box)
	if err != nil {
		return fmt.Errorf("failed to index cell %d: %w", c.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Insert(&spatialCell{Cell: c, rect: rect})
	b.itemCount.Add(1)
	return nil
}

// Intersecting returns the cells overlapping box, ordered by id
func (b *BoxIndex) Intersecting(box models.BoundingBox) ([]Cell, error) {
	rect, err := toRect(box)
	if err != nil {
		return nil, fmt.Errorf("invalid query box: %w", err)
	}
	b.mu.RLock()
	results := b.tree.SearchIntersect(rect)
	b.mu.RUnlock()

	cells := make([]Cell, 0, len(results))
	for _, r := range results {
		if sc, ok := r.(*spatialCell); ok {
			cells = append(cells, sc.Cell)
		}
	}
	// insertion sort keeps results deterministic; result sets are small
	for i := 1; i < len(cells); i++ {
		for j := i; j > 0 && cells[j-1].ID > cells[j].ID; j-- {
			cells[j-1], cells[j] = cells[j], cells[j-1]
		}
	}
	return cells, nil
}

// Count returns the number of indexed cells
func (b *BoxIndex) Count() int64 {
	return b.itemCount.Load()
}

func toRect(box models.BoundingBox) (*rtreego.Rect, error) {
	w, h := box.Width(), box.Height()
	if w < 0 || h < 0 {
		return nil, fmt.Errorf("inverted box %+v", box)
	}
	return rtreego.NewRect(
		rtreego.Point{box.BottomLeft.Lon, box.BottomLeft.Lat},
		[]float64{w + tolerance, h + tolerance},
	)
}
