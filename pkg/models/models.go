package models

import (
	"encoding/json"
	"strings"

	"github.com/paulmach/orb"
)

// Location is a longitude/latitude pair in degrees
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BoundingBox is a lon/lat rectangle defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// Width returns the longitude span in degrees
func (b BoundingBox) Width() float64 { return b.TopRight.Lon - b.BottomLeft.Lon }

// Height returns the latitude span in degrees
func (b BoundingBox) Height() float64 { return b.TopRight.Lat - b.BottomLeft.Lat }

// Bound converts the box to an orb.Bound (x = lon, y = lat)
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.BottomLeft.Lon, b.BottomLeft.Lat},
		Max: orb.Point{b.TopRight.Lon, b.TopRight.Lat},
	}
}

// BoxFromBound converts an orb.Bound to a BoundingBox
func BoxFromBound(b orb.Bound) BoundingBox {
	return BoundingBox{
		BottomLeft: Location{Lat: b.Min[1], Lon: b.Min[0]},
		TopRight:   Location{Lat: b.Max[1], Lon: b.Max[0]},
	}
}

// Cap is a spherical cap: unit center vector x,y,z and the cosine of its half-angle.
// A cosine of -1 covers the whole sphere.
type Cap [4]float64

// UniversalCap covers the entire sphere
var UniversalCap = Cap{1, 0, 0, -1}

// IsUniversal reports whether the cap covers the whole sphere
func (c Cap) IsUniversal() bool { return c[3] <= -1 }

// FieldType is the declared type of a schema field
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldJSON   FieldType = "json"
)

// WidgetTags marks fields whose values are tallied rather than ranged in tiles
const WidgetTags = "tags"

// FieldDescriptor describes one derived scalar field of the store
type FieldDescriptor struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Type    FieldType `json:"type" yaml:"type"`
	Compute string    `json:"computed,omitempty" yaml:"computed,omitempty"`
	Path    string    `json:"path,omitempty" yaml:"path,omitempty"`
	Widget  string    `json:"widget,omitempty" yaml:"widget,omitempty"`
}

// Column is the storage name of the field; dots are not allowed in column names
func (f FieldDescriptor) Column() string {
	return strings.ReplaceAll(f.ID, ".", "_")
}

// SourcePath is the property path the value is read from when not computed
func (f FieldDescriptor) SourcePath() string {
	if f.Path != "" {
		return f.Path
	}
	return f.ID
}

// Feature is one ingested footprint
type Feature struct {
	ID           int64
	Geometry     orb.MultiPolygon
	Properties   json.RawMessage
	GeogroupID   string
	Fields       []Value
	Cap          Cap
	Area         float64
	HealpixIndex int64
}

// SubFeature is the part of a feature inside one HEALPix pixel
type SubFeature struct {
	FeatureID    int64
	HealpixIndex int64
	Geometry     orb.MultiPolygon
	Local        orb.MultiPolygon
	Area         float64
	GeogroupID   string
	Fields       []Value
}
