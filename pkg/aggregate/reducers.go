// Package aggregate holds the streaming reducers evaluated over a group of rows.
// Each reducer folds one row at a time and produces its result once the group
// is exhausted.
package aggregate

import (
	"encoding/json"

	"github.com/kass/go-smt-index/pkg/geo"
	"github.com/kass/go-smt-index/pkg/models"
)

// UndefinedKey is the tally bucket of null values
const UndefinedKey = "__undefined"

// ValuesAndCount tallies distinct values. Once limit distinct keys are known new
// keys are dropped and Overflow is set; known keys keep counting. A limit <= 0
// means unlimited.
type ValuesAndCount struct {
	limit    int
	counts   map[string]int
	Overflow bool
}

// NewValuesAndCount returns an empty tally
func NewValuesAndCount(limit int) *ValuesAndCount {
	return &ValuesAndCount{limit: limit, counts: make(map[string]int)}
}

// Step adds one value. JSON arrays are tallied per element.
func (r *ValuesAndCount) Step(v models.Value) {
	if v.Kind == models.KindJSON {
		var elems []json.RawMessage
		if err := json.Unmarshal(v.JSON, &elems); err == nil {
			for _, e := range elems {
				r.add(jsonKey(e))
			}
			return
		}
	}
	if v.IsNull() {
		r.add(UndefinedKey)
		return
	}
	r.add(v.Key())
}

func jsonKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := models.JSONValue(raw)
	if v.IsNull() {
		return UndefinedKey
	}
	return v.Key()
}

func (r *ValuesAndCount) add(key string) {
	if _, ok := r.counts[key]; !ok && r.limit > 0 && len(r.counts) >= r.limit {
		r.Overflow = true
		return
	}
	r.counts[key]++
}

// Result returns the tally, or nil when no row was seen
func (r *ValuesAndCount) Result() map[string]int {
	if len(r.counts) == 0 {
		return nil
	}
	return r.counts
}

// MinMax tracks the running [min, max] ignoring nulls
type MinMax struct {
	min, max models.Value
	seen     bool
}

// Step adds one value
func (r *MinMax) Step(v models.Value) {
	if v.IsNull() {
		return
	}
	if !r.seen {
		r.min, r.max, r.seen = v, v, true
		return
	}
	if models.Compare(v, r.min) < 0 {
		r.min = v
	}
	if models.Compare(v, r.max) > 0 {
		r.max = v
	}
}

// Min returns the smallest value seen, null if none
func (r *MinMax) Min() models.Value { return r.min }

// Max returns the largest value seen, null if none
func (r *MinMax) Max() models.Value { return r.max }

// Result returns [min, max], or nil when every value was null
func (r *MinMax) Result() []interface{} {
	if !r.seen {
		return nil
	}
	return []interface{}{r.min.Interface(), r.max.Interface()}
}

// BoundingCap merges the bounding caps of a group
type BoundingCap struct {
	cap  models.Cap
	seen bool
}

// Step merges one cap
func (r *BoundingCap) Step(c models.Cap) {
	if !r.seen {
		r.cap, r.seen = c, true
		return
	}
	r.cap = geo.MergeCaps(r.cap, c)
}

// Result returns the merged cap, or nil for an empty group
func (r *BoundingCap) Result() *models.Cap {
	if !r.seen {
		return nil
	}
	c := r.cap
	return &c
}
