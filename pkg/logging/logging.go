// Package logging configures the process logger
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Options selects the level and output format
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// FromEnv reads LOG_LEVEL and LOG_FORMAT
func FromEnv() Options {
	return Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
	}
}

// New builds a logger. An empty level means info, an empty format means text.
func New(opts Options) (*logrus.Logger, error) {
	log := logrus.New()
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	}
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, errors.Wrapf(err, "LOG_LEVEL %q", opts.Level)
		}
		level = l
	}
	log.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Newf("unknown LOG_FORMAT %q", opts.Format)
	}
	return log, nil
}
