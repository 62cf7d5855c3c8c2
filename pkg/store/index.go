package store

import (
	"sort"

	"github.com/kass/go-smt-index/pkg/models"
)

// Index maps the distinct non-null values of a column to the ascending rows holding them
type Index struct {
	Keys  []models.Value
	Rows  [][]int32
	Nulls []int32
}

// BuildIndex indexes a column
func BuildIndex(values []models.Value) *Index {
	order := make([]int32, 0, len(values))
	ix := &Index{}
	for i, v := range values {
		if v.IsNull() {
			ix.Nulls = append(ix.Nulls, int32(i))
			continue
		}
		order = append(order, int32(i))
	}
	sort.SliceStable(order, func(a, b int) bool {
		return models.Compare(values[order[a]], values[order[b]]) < 0
	})
	for _, row := range order {
		v := values[row]
		n := len(ix.Keys)
		if n == 0 || !models.Equal(ix.Keys[n-1], v) {
			ix.Keys = append(ix.Keys, v)
			ix.Rows = append(ix.Rows, nil)
			n++
		}
		ix.Rows[n-1] = append(ix.Rows[n-1], row)
	}
	return ix
}

// search returns the first key position not less than v
func (ix *Index) search(v models.Value) int {
	return sort.Search(len(ix.Keys), func(i int) bool {
		return models.Compare(ix.Keys[i], v) >= 0
	})
}

// Equal returns the rows whose value equals v
func (ix *Index) Equal(v models.Value) []int32 {
	if v.IsNull() {
		return ix.Nulls
	}
	i := ix.search(v)
	if i < len(ix.Keys) && models.Equal(ix.Keys[i], v) {
		return ix.Rows[i]
	}
	return nil
}

// Range returns the rows whose value lies in [lo, hi]
func (ix *Index) Range(lo, hi models.Value) []int32 {
	var parts [][]int32
	for i := ix.search(lo); i < len(ix.Keys) && models.Compare(ix.Keys[i], hi) <= 0; i++ {
		parts = append(parts, ix.Rows[i])
	}
	return UnionAll(parts...)
}

// In returns the rows whose value is any of vs
func (ix *Index) In(vs []models.Value) []int32 {
	parts := make([][]int32, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, ix.Equal(v))
	}
	return UnionAll(parts...)
}

// Distinct returns the number of distinct non-null values
func (ix *Index) Distinct() int { return len(ix.Keys) }

// All returns rows 0..n-1
func All(n int) []int32 {
	rows := make([]int32, n)
	for i := range rows {
		rows[i] = int32(i)
	}
	return rows
}

// UnionAll merges ascending row lists into one ascending list without duplicates
func UnionAll(parts ...[]int32) []int32 {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]int32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, r := range out {
		if i == 0 || r != out[n-1] {
			out[n] = r
			n++
		}
	}
	return out[:n]
}

// Intersect returns the rows present in both ascending lists
func Intersect(a, b []int32) []int32 {
	out := make([]int32, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// Complement returns the rows of 0..n-1 absent from the ascending list a
func Complement(n int, a []int32) []int32 {
	out := make([]int32, 0, n-len(a))
	j := 0
	for r := int32(0); int(r) < n; r++ {
		if j < len(a) && a[j] == r {
			j++
			continue
		}
		out = append(out, r)
	}
	return out
}
