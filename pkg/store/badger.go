package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// dbConfig holds the options a store directory is opened with
type dbConfig struct {
	Path       string
	ReadOnly   bool
	SyncWrites bool
	Logger     logrus.FieldLogger
}

// badgerLogger adapts logrus to badger's Logger; badger's info chatter goes to debug
type badgerLogger struct {
	log logrus.FieldLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

const (
	// publishWait bounds how long a reader waits for a publish in progress
	publishWait = 2 * time.Second
	publishPoll = 10 * time.Millisecond
)

// publishing reports whether a Writer has moved the previous generation of path
// aside and not yet renamed the new one into place
func publishing(path string) bool {
	old, _ := filepath.Glob(path + ".old-*")
	return len(old) > 0
}

// openPublished opens a store directory read-only. A path missing only because a
// publish is swapping generations is polled until the new generation lands.
func openPublished(cfg dbConfig) (*badger.DB, error) {
	deadline := time.Now().Add(publishWait)
	for {
		db, err := openDB(cfg)
		if err == nil || time.Now().After(deadline) {
			return db, err
		}
		if _, serr := os.Stat(cfg.Path); !os.IsNotExist(serr) || !publishing(cfg.Path) {
			return db, err
		}
		time.Sleep(publishPoll)
	}
}

func openDB(cfg dbConfig) (*badger.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.ReadOnly {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, errors.Wrapf(err, "store %s", cfg.Path)
		}
	} else if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create store directory %s", cfg.Path)
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithReadOnly(cfg.ReadOnly).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger store %s", cfg.Path)
	}
	return db, nil
}
