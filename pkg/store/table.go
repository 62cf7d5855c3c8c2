package store

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/paulmach/orb"
)

// Built-in columns present on both tables
const (
	ColumnID           = "id"
	ColumnGeogroupID   = "geogroup_id"
	ColumnHealpixIndex = "healpix_index"
)

// Table names
const (
	TableFeatures    = "features"
	TableSubFeatures = "subfeatures"
)

// Column is one indexed scalar column
type Column struct {
	Name   string
	Type   models.FieldType
	Widget string
	Values []models.Value
	Index  *Index
}

// Table is an immutable column-oriented table. Sub-feature rows are ordered by
// pixel then feature id; feature rows by id.
type Table struct {
	Name       string
	columns    map[string]*Column
	order      []string
	FeatureIDs []int64
	Pixels     []int64
	Geometry   []orb.MultiPolygon
	Local      []orb.MultiPolygon
	Areas      []float64
	Caps       []models.Cap
	Properties []json.RawMessage
}

// Len returns the number of rows
func (t *Table) Len() int { return len(t.FeatureIDs) }

// Column returns a column by name
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.columns[name]
	return c, ok
}

// Columns returns the column names, schema fields first
func (t *Table) Columns() []string { return t.order }

// tableBuilder accumulates rows in key order
type tableBuilder struct {
	table  *Table
	fields []models.FieldDescriptor
}

func newTableBuilder(name string, fields []models.FieldDescriptor) *tableBuilder {
	t := &Table{Name: name, columns: make(map[string]*Column)}
	for _, f := range fields {
		t.addColumn(&Column{Name: f.Column(), Type: f.Type, Widget: f.Widget})
	}
	t.addColumn(&Column{Name: ColumnID, Type: models.FieldString})
	t.addColumn(&Column{Name: ColumnGeogroupID, Type: models.FieldString})
	t.addColumn(&Column{Name: ColumnHealpixIndex, Type: models.FieldNumber})
	return &tableBuilder{table: t, fields: fields}
}

func (t *Table) addColumn(c *Column) {
	t.columns[c.Name] = c
	t.order = append(t.order, c.Name)
}

func (b *tableBuilder) addRow(id int64, geogroup string, pixel int64, fields []models.Value) error {
	if len(fields) != len(b.fields) {
		return errors.Newf("row %d has %d fields, schema has %d", id, len(fields), len(b.fields))
	}
	t := b.table
	for i, f := range b.fields {
		c := t.columns[f.Column()]
		c.Values = append(c.Values, fields[i])
	}
	t.columns[ColumnID].Values = append(t.columns[ColumnID].Values, models.String(strconv.FormatInt(id, 10)))
	t.columns[ColumnGeogroupID].Values = append(t.columns[ColumnGeogroupID].Values, models.String(geogroup))
	t.columns[ColumnHealpixIndex].Values = append(t.columns[ColumnHealpixIndex].Values, models.Number(float64(pixel)))
	t.FeatureIDs = append(t.FeatureIDs, id)
	t.Pixels = append(t.Pixels, pixel)
	return nil
}

func (b *tableBuilder) addFeature(f *models.Feature) error {
	if err := b.addRow(f.ID, f.GeogroupID, f.HealpixIndex, f.Fields); err != nil {
		return err
	}
	t := b.table
	t.Geometry = append(t.Geometry, f.Geometry)
	t.Areas = append(t.Areas, f.Area)
	t.Caps = append(t.Caps, f.Cap)
	t.Properties = append(t.Properties, f.Properties)
	return nil
}

func (b *tableBuilder) addSubFeature(s *models.SubFeature) error {
	if err := b.addRow(s.FeatureID, s.GeogroupID, s.HealpixIndex, s.Fields); err != nil {
		return err
	}
	t := b.table
	t.Geometry = append(t.Geometry, s.Geometry)
	t.Local = append(t.Local, s.Local)
	t.Areas = append(t.Areas, s.Area)
	return nil
}

// buildIndexes indexes every column
func (b *tableBuilder) buildIndexes() {
	for _, c := range b.table.columns {
		c.Index = BuildIndex(c.Values)
	}
}
