package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/sirupsen/logrus"
)

// Writer builds one store generation in a temporary directory next to the target.
// Readers of the target are unaffected until Publish.
type Writer struct {
	target     string
	tmp        string
	generation string
	db         *badger.DB
	log        logrus.FieldLogger
	meta       Meta
	finalized  bool
}

// Create starts a new generation for target
func Create(target string, log logrus.FieldLogger) (*Writer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, errors.Wrapf(err, "create parent of %s", target)
	}
	gen := uuid.NewString()
	tmp := target + ".tmp-" + gen
	db, err := openDB(dbConfig{Path: tmp, SyncWrites: false, Logger: log})
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"target": target, "generation": gen}).Debug("store generation started")
	return &Writer{target: target, tmp: tmp, generation: gen, db: db, log: log}, nil
}

// Generation returns the id of the generation being built
func (w *Writer) Generation() string { return w.generation }

// WriteSource stores the features and sub-features of one source in a single batch.
// Sources may be written concurrently.
func (w *Writer) WriteSource(ctx context.Context, features []*models.Feature, subs []*models.SubFeature) error {
	if w.finalized {
		return errors.New("store writer already finalized")
	}
	wb := w.db.NewWriteBatch()
	defer wb.Cancel()

	for _, f := range features {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := encode(f)
		if err != nil {
			return errors.Wrapf(err, "feature %d", f.ID)
		}
		if err := wb.Set(featureKey(f.ID), data); err != nil {
			return errors.Wrapf(err, "write feature %d", f.ID)
		}
	}
	seq := make(map[[2]int64]uint32)
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := [2]int64{s.HealpixIndex, s.FeatureID}
		n := seq[k]
		seq[k] = n + 1
		data, err := encode(s)
		if err != nil {
			return errors.Wrapf(err, "sub-feature %d/%d", s.FeatureID, s.HealpixIndex)
		}
		if err := wb.Set(subFeatureKey(s.HealpixIndex, s.FeatureID, n), data); err != nil {
			return errors.Wrapf(err, "write sub-feature %d/%d", s.FeatureID, s.HealpixIndex)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "flush source batch")
	}
	return nil
}

// Finalize builds the column indexes, writes the metadata and syncs the generation
// to disk. The writer can only be published or aborted afterwards.
func (w *Writer) Finalize(meta Meta) error {
	if w.finalized {
		return errors.New("store writer already finalized")
	}
	start := time.Now()

	var fb, sb *tableBuilder
	err := w.db.View(func(txn *badger.Txn) error {
		fb = newTableBuilder(TableFeatures, meta.Config.Fields)
		if err := scan(txn, prefixFeature, func(v []byte) error {
			var f models.Feature
			if err := decode(v, &f); err != nil {
				return err
			}
			return fb.addFeature(&f)
		}); err != nil {
			return err
		}
		sb = newTableBuilder(TableSubFeatures, meta.Config.Fields)
		return scan(txn, prefixSubFeature, func(v []byte) error {
			var s models.SubFeature
			if err := decode(v, &s); err != nil {
				return err
			}
			return sb.addSubFeature(&s)
		})
	})
	if err != nil {
		return errors.Wrap(err, "reading rows for indexing")
	}

	wb := w.db.NewWriteBatch()
	defer wb.Cancel()
	for _, b := range []*tableBuilder{fb, sb} {
		b.buildIndexes()
		for _, name := range b.table.Columns() {
			c := b.table.columns[name]
			data, err := encode(c.Index)
			if err != nil {
				return errors.Wrapf(err, "index %s.%s", b.table.Name, name)
			}
			if err := wb.Set(indexKey(b.table.Name, name), data); err != nil {
				return errors.Wrapf(err, "write index %s.%s", b.table.Name, name)
			}
		}
	}

	meta.Generation = w.generation
	meta.FeatureCount = fb.table.Len()
	meta.SubFeatureCount = sb.table.Len()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode store metadata")
	}
	if err := wb.Set(keyMeta, raw); err != nil {
		return errors.Wrap(err, "write store metadata")
	}
	if err := wb.Set(keyFingerprint, []byte(meta.Fingerprint)); err != nil {
		return errors.Wrap(err, "write fingerprint")
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "flush indexes")
	}
	if err := w.db.Sync(); err != nil {
		return errors.Wrap(err, "sync store")
	}
	if err := w.db.Close(); err != nil {
		return errors.Wrap(err, "close store")
	}
	w.finalized = true
	w.meta = meta

	w.log.WithFields(logrus.Fields{
		"generation":  w.generation,
		"features":    meta.FeatureCount,
		"subfeatures": meta.SubFeatureCount,
		"duration":    time.Since(start),
	}).Info("store indexed")
	return nil
}

// Meta returns the metadata written by Finalize
func (w *Writer) Meta() Meta { return w.meta }

// Publish atomically replaces the target with the finalized generation
func (w *Writer) Publish() error {
	if !w.finalized {
		return errors.New("store writer not finalized")
	}
	old := ""
	if _, err := os.Stat(w.target); err == nil {
		old = w.target + ".old-" + w.generation
		if err := os.Rename(w.target, old); err != nil {
			return errors.Wrapf(err, "move previous store %s", w.target)
		}
	}
	if err := os.Rename(w.tmp, w.target); err != nil {
		if old != "" {
			_ = os.Rename(old, w.target)
		}
		return errors.Wrapf(err, "publish store %s", w.target)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			w.log.WithError(err).Warn("failed to remove previous store generation")
		}
	}
	w.log.WithFields(logrus.Fields{"target": w.target, "generation": w.generation}).Info("store published")
	return nil
}

// Abort discards the generation
func (w *Writer) Abort() {
	if !w.finalized {
		_ = w.db.Close()
		w.finalized = true
	}
	if err := os.RemoveAll(w.tmp); err != nil {
		w.log.WithError(err).Warn("failed to remove aborted store generation")
	}
}
