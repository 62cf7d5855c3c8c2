package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/cockroachdb/errors"
)

// Key layout:
//
//	f/<id:8>                  feature row
//	s/<pixel:8><id:8><seq:4>  sub-feature row
//	x/<table>/<column>        column index
//	m/meta                    store metadata (JSON)
//	m/fingerprint             config+data fingerprint
var (
	prefixFeature    = []byte("f/")
	prefixSubFeature = []byte("s/")
	prefixIndex      = []byte("x/")
	keyMeta          = []byte("m/meta")
	keyFingerprint   = []byte("m/fingerprint")
)

func featureKey(id int64) []byte {
	k := make([]byte, 0, len(prefixFeature)+8)
	k = append(k, prefixFeature...)
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func subFeatureKey(pixel, id int64, seq uint32) []byte {
	k := make([]byte, 0, len(prefixSubFeature)+20)
	k = append(k, prefixSubFeature...)
	k = binary.BigEndian.AppendUint64(k, uint64(pixel))
	k = binary.BigEndian.AppendUint64(k, uint64(id))
	return binary.BigEndian.AppendUint32(k, seq)
}

func indexKey(table, column string) []byte {
	return []byte(string(prefixIndex) + table + "/" + column)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "failed to encode row")
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode row")
	}
	return nil
}
