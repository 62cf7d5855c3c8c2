// Package store is the embedded storage and indexing layer. A store is built once
// by a single Writer into a temporary badger directory, indexed, synced and then
// published by rename. Readers load an immutable, column-oriented copy with its
// indexes and never see a partially built generation.
package store

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/kass/go-smt-index/pkg/config"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a store directory does not hold a published store
var ErrNotFound = errors.New("store not found")

// Meta describes one store generation
type Meta struct {
	Config          config.Config          `json:"config"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
	Fingerprint     string                 `json:"fingerprint"`
	Generation      string                 `json:"generation"`
	CreatedAt       time.Time              `json:"createdAt"`
	FeatureCount    int                    `json:"featureCount"`
	SubFeatureCount int                    `json:"subFeatureCount"`
}

// Store is a loaded, read-only store generation
type Store struct {
	Meta        Meta
	Features    *Table
	SubFeatures *Table
}

// Fields returns the field schema
func (s *Store) Fields() []models.FieldDescriptor { return s.Meta.Config.Fields }

// Order returns the HEALPix order of the sub-features
func (s *Store) Order() int { return s.Meta.Config.HealpixOrder }

// Field returns the descriptor of a schema column
func (s *Store) Field(column string) (models.FieldDescriptor, bool) {
	for _, f := range s.Meta.Config.Fields {
		if f.Column() == column {
			return f, true
		}
	}
	return models.FieldDescriptor{}, false
}

// Open loads the store at path into memory
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := openPublished(dbConfig{Path: path, ReadOnly: true, Logger: log})
	if err != nil {
		return nil, errors.Mark(err, ErrNotFound)
	}
	defer db.Close()

	st := &Store{}
	err = db.View(func(txn *badger.Txn) error {
		meta, err := readMeta(txn)
		if err != nil {
			return err
		}
		st.Meta = *meta

		fb := newTableBuilder(TableFeatures, meta.Config.Fields)
		if err := scan(txn, prefixFeature, func(v []byte) error {
			var f models.Feature
			if err := decode(v, &f); err != nil {
				return err
			}
			return fb.addFeature(&f)
		}); err != nil {
			return errors.Wrap(err, "loading features")
		}

		sb := newTableBuilder(TableSubFeatures, meta.Config.Fields)
		if err := scan(txn, prefixSubFeature, func(v []byte) error {
			var s models.SubFeature
			if err := decode(v, &s); err != nil {
				return err
			}
			return sb.addSubFeature(&s)
		}); err != nil {
			return errors.Wrap(err, "loading sub-features")
		}

		for _, t := range []*Table{fb.table, sb.table} {
			if err := loadIndexes(txn, t); err != nil {
				return err
			}
		}
		st.Features, st.SubFeatures = fb.table, sb.table
		return nil
	})
	if err != nil {
		return nil, err
	}
	if st.Features.Len() != st.Meta.FeatureCount || st.SubFeatures.Len() != st.Meta.SubFeatureCount {
		return nil, errors.Newf("store %s is inconsistent: %d/%d features, %d/%d sub-features",
			path, st.Features.Len(), st.Meta.FeatureCount, st.SubFeatures.Len(), st.Meta.SubFeatureCount)
	}
	log.WithFields(logrus.Fields{
		"path":        path,
		"generation":  st.Meta.Generation,
		"features":    st.Meta.FeatureCount,
		"subfeatures": st.Meta.SubFeatureCount,
	}).Info("store loaded")
	return st, nil
}

// ReadFingerprint returns the fingerprint of the store at path without loading it
func ReadFingerprint(path string) (string, error) {
	db, err := openPublished(dbConfig{Path: path, ReadOnly: true})
	if err != nil {
		return "", errors.Mark(err, ErrNotFound)
	}
	defer db.Close()

	var fp string
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyFingerprint)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			fp = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", errors.Mark(errors.Newf("store %s has no fingerprint", path), ErrNotFound)
	}
	return fp, err
}

func readMeta(txn *badger.Txn) (*Meta, error) {
	item, err := txn.Get(keyMeta)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Mark(errors.New("store metadata missing"), ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading store metadata")
	}
	var meta Meta
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return nil, errors.Wrap(err, "decoding store metadata")
	}
	return &meta, nil
}

func scan(txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func loadIndexes(txn *badger.Txn, t *Table) error {
	for _, name := range t.Columns() {
		c := t.columns[name]
		item, err := txn.Get(indexKey(t.Name, name))
		if err != nil {
			return errors.Wrapf(err, "index %s.%s", t.Name, name)
		}
		var ix Index
		if err := item.Value(func(v []byte) error { return decode(v, &ix) }); err != nil {
			return errors.Wrapf(err, "index %s.%s", t.Name, name)
		}
		c.Index = &ix
	}
	return nil
}
