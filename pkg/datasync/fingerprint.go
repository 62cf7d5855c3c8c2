// Package datasync decides when a store must be rebuilt: it fingerprints the
// config directory and watches it for changes.
package datasync

import (
	"encoding/gob"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/davecgh/go-spew/spew"
	"github.com/kass/go-smt-index/pkg/config"
)

// CodeVersion is mixed into every fingerprint so a change of the build logic
// invalidates existing stores
var CodeVersion = "smt-index/1"

// Hash returns a hash key for the specified object
func Hash(object interface{}) string {
	h := fnv.New128a()
	if err := gob.NewEncoder(h).Encode(object); err == nil {
		return sum(h)
	}
	// gob refuses some values (types without encodable fields); spew prints anything
	h.Reset()
	printer := spew.ConfigState{
		Indent:                  " ",
		SortKeys:                true,
		DisableMethods:          true,
		SpewKeys:                true,
		DisablePointerAddresses: true,
		DisableCapacities:       true,
	}
	printer.Fprintf(h, "%#v", object)
	return sum(h)
}

func sum(h hash.Hash) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Fingerprint hashes the config file, every source file it lists and the code
// version. Two directories with the same fingerprint build the same store.
func Fingerprint(configDir string) (string, error) {
	cfg, raw, err := config.Load(configDir)
	if err != nil {
		return "", err
	}
	return FingerprintConfig(cfg, raw, configDir)
}

// FingerprintConfig is Fingerprint for an already loaded config. raw may be nil,
// in which case the parsed config is hashed instead.
func FingerprintConfig(cfg *config.Config, raw []byte, configDir string) (string, error) {
	h := fnv.New128a()
	_, _ = io.WriteString(h, CodeVersion)
	if raw != nil {
		_, _ = h.Write(raw)
	} else {
		_, _ = io.WriteString(h, Hash(cfg))
	}
	for i, path := range cfg.SourcePaths(configDir) {
		_, _ = io.WriteString(h, cfg.Sources[i])
		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}
	return sum(h), nil
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "fingerprinting %s", path)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(err, "fingerprinting %s", path)
	}
	return nil
}
