package rtree

import (
	"testing"

	"github.com/kass/go-smt-index/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoxIndex(t *testing.T) {
	index := NewBoxIndex()
	assert.NotNil(t, index)
	assert.NotNil(t, index.tree)
	assert.Equal(t, int64(0), index.Count())
}

func TestNewGrid(t *testing.T) {
	grid, err := NewGrid(45, -180, 540)
	require.NoError(t, err)
	// 16 columns x 4 rows
	assert.Equal(t, int64(64), grid.Count())

	_, err = NewGrid(0, -180, 180)
	assert.Error(t, err)
}

func TestIntersecting(t *testing.T) {
	grid, err := NewGrid(45, -180, 540)
	require.NoError(t, err)

	tests := []struct {
		name string
		box  models.BoundingBox
		want int
	}{
		{
			name: "inside one cell",
			box:  models.BoundingBox{BottomLeft: models.Location{Lat: 10, Lon: 10}, TopRight: models.Location{Lat: 20, Lon: 20}},
			want: 1,
		},
		{
			name: "across four cells",
			box:  models.BoundingBox{BottomLeft: models.Location{Lat: -10, Lon: -10}, TopRight: models.Location{Lat: 10, Lon: 10}},
			want: 4,
		},
		{
			name: "shifted antimeridian",
			box:  models.BoundingBox{BottomLeft: models.Location{Lat: 10, Lon: 170}, TopRight: models.Location{Lat: 20, Lon: 190}},
			want: 2,
		},
		{
			name: "degenerate line",
			box:  models.BoundingBox{BottomLeft: models.Location{Lat: 10, Lon: 10}, TopRight: models.Location{Lat: 10, Lon: 20}},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cells, err := grid.Intersecting(tt.box)
			require.NoError(t, err)
			assert.Len(t, cells, tt.want)
			for i := 1; i < len(cells); i++ {
				assert.Less(t, cells[i-1].ID, cells[i].ID)
			}
		})
	}
}

func TestIntersectingInvertedBox(t *testing.T) {
	index := NewBoxIndex()
	_, err := index.Intersecting(models.BoundingBox{
		BottomLeft: models.Location{Lat: 10, Lon: 10},
		TopRight:   models.Location{Lat: 0, Lon: 0},
	})
	assert.Error(t, err)
}
