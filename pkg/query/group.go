package query

import (
	"sort"
	"strconv"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/kass/go-smt-index/pkg/models"
	"github.com/kass/go-smt-index/pkg/store"
)

type group struct {
	key  models.Value
	rows []int32
}

// grouper assigns rows to groups following one grouping directive
type grouper struct {
	op      string
	fieldID string
	col     *store.Column
	step    aggregate.DateStep
}

func newGrouper(t *store.Table, opts []GroupingOption) (*grouper, error) {
	if len(opts) == 0 {
		return &grouper{op: GroupAll}, nil
	}
	if len(opts) > 1 {
		return nil, invalid("only one grouping directive is supported, got %d", len(opts))
	}
	o := opts[0]
	g := &grouper{op: o.Operation, fieldID: o.FieldID}
	switch o.Operation {
	case GroupAll:
		return g, nil
	case GroupBy:
	case GroupByDate:
		step, err := aggregate.ParseDateStep(o.Step)
		if err != nil {
			return nil, invalid("GROUP_BY_DATE on %s: %v", o.FieldID, err)
		}
		g.step = step
	default:
		return nil, unsupported("unsupported grouping operation %q", o.Operation)
	}
	col, err := lookupColumn(t, o.FieldID)
	if err != nil {
		return nil, err
	}
	if o.Operation == GroupByDate && col.Type != models.FieldDate {
		return nil, invalid("GROUP_BY_DATE needs a date field, %s is %s", o.FieldID, col.Type)
	}
	g.col = col
	return g, nil
}

// rebind returns the same grouping over another table's column
func (g *grouper) rebind(t *store.Table) (*grouper, error) {
	if g.op == GroupAll {
		return g, nil
	}
	col, err := lookupColumn(t, g.fieldID)
	if err != nil {
		return nil, err
	}
	out := *g
	out.col = col
	return &out, nil
}

func (g *grouper) keyOf(row int32) models.Value {
	if g.op == GroupAll {
		return models.Null()
	}
	v := g.col.Values[row]
	if g.op == GroupByDate && !v.IsNull() {
		return models.String(g.step.Bin(v.Time()))
	}
	return v
}

// group splits rows into groups in ascending key order. GROUP_ALL always yields
// exactly one group, possibly empty.
func (g *grouper) group(rows []int32) []group {
	if g.op == GroupAll {
		return []group{{key: models.Null(), rows: rows}}
	}
	idx := make(map[string]int)
	var out []group
	for _, r := range rows {
		k := g.keyOf(r)
		s := groupKey(k)
		i, ok := idx[s]
		if !ok {
			i = len(out)
			idx[s] = i
			out = append(out, group{key: k})
		}
		out[i].rows = append(out[i].rows, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return models.Compare(out[i].key, out[j].key) < 0 })
	return out
}

// annotate writes the group key into an output row
func (g *grouper) annotate(row Row, key models.Value) {
	if g.op == GroupAll {
		return
	}
	row[g.fieldID] = key.Interface()
}

func groupKey(v models.Value) string {
	return strconv.Itoa(int(v.Kind)) + ":" + v.Key()
}
