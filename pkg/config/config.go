// Package config loads the store configuration: the field schema, the source
// files and the grid order.
package config

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/models"
	"gopkg.in/yaml.v3"
)

// DefaultTitle is the HiPS title used when the config has none
const DefaultTitle = "SMT Geojson"

// Candidate file names, in lookup order. yaml.v3 reads the JSON file as well.
var fileNames = []string{"smtConfig.json", "smtConfig.yaml", "smtConfig.yml"}

// Config is the store configuration
type Config struct {
	Title        string                   `json:"title,omitempty" yaml:"title,omitempty"`
	HealpixOrder int                      `json:"healpixOrder,omitempty" yaml:"healpixOrder,omitempty"`
	Sources      []string                 `json:"sources" yaml:"sources"`
	Fields       []models.FieldDescriptor `json:"fields" yaml:"fields"`
}

// Load reads the config from dir and returns it with the raw bytes it was parsed from
func Load(dir string) (*Config, []byte, error) {
	for _, name := range fileNames {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, errors.Wrapf(err, "reading %s", path)
		}
		cfg, err := Parse(raw)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parsing %s", path)
		}
		return cfg, raw, nil
	}
	return nil, nil, errors.Newf("no smtConfig found in %s", dir)
}

// Parse decodes and validates a config document (JSON or YAML)
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.HealpixOrder == 0 {
		c.HealpixOrder = 5
	}
	for i := range c.Fields {
		if c.Fields[i].Type == "" {
			c.Fields[i].Type = models.FieldString
		}
	}
}

// Validate checks field ids and types and the grid order
func (c *Config) Validate() error {
	if c.HealpixOrder < 1 || c.HealpixOrder > 12 {
		return errors.Newf("healpixOrder %d out of range [1,12]", c.HealpixOrder)
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.ID == "" {
			return errors.New("field without id")
		}
		col := f.Column()
		if seen[col] || reserved[col] {
			return errors.Newf("duplicate or reserved field %q", f.ID)
		}
		seen[col] = true
		switch f.Type {
		case models.FieldString, models.FieldInt, models.FieldNumber, models.FieldDate, models.FieldJSON:
		default:
			return errors.Newf("field %q has unknown type %q", f.ID, f.Type)
		}
	}
	return nil
}

var reserved = map[string]bool{
	"id":            true,
	"geogroup_id":   true,
	"healpix_index": true,
	"geometry":      true,
	"properties":    true,
}

// SourcePaths resolves source files relative to the config dir
func (c *Config) SourcePaths(dir string) []string {
	paths := make([]string, len(c.Sources))
	for i, s := range c.Sources {
		if filepath.IsAbs(s) {
			paths[i] = s
		} else {
			paths[i] = filepath.Join(dir, s)
		}
	}
	return paths
}
