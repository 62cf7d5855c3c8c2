package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kass/go-smt-index/pkg/models"
)

// DateStep is a calendar granularity for date bins
type DateStep string

const (
	StepYear  DateStep = "year"
	StepMonth DateStep = "month"
	StepDay   DateStep = "day"
)

// ParseDateStep accepts year|month|day and the strftime forms %Y, %Y-%m, %Y-%m-%d
func ParseDateStep(s string) (DateStep, error) {
	switch s {
	case "year", "%Y":
		return StepYear, nil
	case "month", "%Y-%m":
		return StepMonth, nil
	case "day", "%Y-%m-%d":
		return StepDay, nil
	}
	return "", errors.Newf("unknown date step %q", s)
}

func (s DateStep) layout() string {
	switch s {
	case StepYear:
		return "2006"
	case StepMonth:
		return "2006-01"
	}
	return "2006-01-02"
}

// Bin formats t as the bin label of the step
func (s DateStep) Bin(t time.Time) string {
	return t.UTC().Format(s.layout())
}

// next advances t by one step
func (s DateStep) next(t time.Time) time.Time {
	switch s {
	case StepYear:
		return t.AddDate(1, 0, 0)
	case StepMonth:
		return t.AddDate(0, 1, 0)
	}
	return t.AddDate(0, 0, 1)
}

// Histogram is the result of DATE_HISTOGRAM and NUMBER_HISTOGRAM
type Histogram struct {
	Noval int             `json:"noval"`
	Min   interface{}     `json:"min"`
	Max   interface{}     `json:"max"`
	Step  interface{}     `json:"step"`
	Table [][]interface{} `json:"table"`
}

// DateHistogram bins date values on a step chosen from their range
type DateHistogram struct {
	noval  int
	values []float64
}

// Step adds one value; nulls are counted as noval
func (h *DateHistogram) Step(v models.Value) {
	if v.IsNull() || !v.IsNumeric() {
		h.noval++
		return
	}
	h.values = append(h.values, v.Num)
}

const day = 24 * time.Hour

// Result bins the values. The span runs from the UTC day of the minimum to the end
// of the day after the maximum, aligned to whole months or years, and every bin in
// it is present.
func (h *DateHistogram) Result() *Histogram {
	out := &Histogram{Noval: h.noval, Table: [][]interface{}{{"Date", "Count"}}}
	if len(h.values) == 0 {
		out.Step = StepDay
		return out
	}
	lo, hi := h.values[0], h.values[0]
	for _, v := range h.values[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	start := time.UnixMilli(int64(lo)).UTC().Truncate(day)
	end := time.UnixMilli(int64(hi)).UTC().Add(day).Truncate(day)
	stop := end.Add(day - time.Second)

	step := StepDay
	switch days := stop.Sub(start).Hours() / 24; {
	case days > 3*365:
		step = StepYear
	case days > 3*30:
		step = StepMonth
	}
	switch step {
	case StepMonth:
		start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
		stop = time.Date(stop.Year(), stop.Month()+1, 0, 23, 59, 59, 0, time.UTC)
	case StepYear:
		start = time.Date(start.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		stop = time.Date(stop.Year(), time.December, 31, 23, 59, 59, 0, time.UTC)
	}
	out.Min, out.Max, out.Step = start, stop, step

	counts := make(map[string]int)
	var keys []string
	for d := start; d.Before(stop); d = step.next(d) {
		k := step.Bin(d)
		counts[k] = 0
		keys = append(keys, k)
	}
	var extra []string
	for _, v := range h.values {
		k := step.Bin(time.UnixMilli(int64(math.Round(v/1000)) * 1000))
		if _, ok := counts[k]; !ok {
			extra = append(extra, k)
		}
		counts[k]++
	}
	if len(extra) > 0 {
		keys = append(keys, extra...)
		sort.Strings(keys)
		keys = dedupSorted(keys)
	}
	for _, k := range keys {
		out.Table = append(out.Table, []interface{}{k, counts[k]})
	}
	return out
}

func dedupSorted(keys []string) []string {
	n := 0
	for i, k := range keys {
		if i == 0 || k != keys[n-1] {
			keys[n] = k
			n++
		}
	}
	return keys[:n]
}

// NumberHistogramBins is the number of bins the value range is divided into
const NumberHistogramBins = 10

// NumberHistogram bins numeric values into ten steps between their min and max
type NumberHistogram struct {
	noval  int
	values []float64
}

// Step adds one value; nulls are counted as noval
func (h *NumberHistogram) Step(v models.Value) {
	if v.IsNull() || !v.IsNumeric() {
		h.noval++
		return
	}
	h.values = append(h.values, v.Num)
}

// Result bins the values. A value v falls in bin round((v-min)/step); the table
// lists each bin's lower value. When min equals max there is no step and the
// table is empty.
func (h *NumberHistogram) Result() *Histogram {
	out := &Histogram{Noval: h.noval, Table: [][]interface{}{{"Value", "Count"}}}
	if len(h.values) == 0 {
		return out
	}
	lo, hi := h.values[0], h.values[0]
	for _, v := range h.values[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	out.Min, out.Max = lo, hi
	if lo == hi {
		return out
	}
	step := (hi - lo) / NumberHistogramBins
	out.Step = step

	counts := make(map[int]int, NumberHistogramBins+1)
	for k := 0; k < NumberHistogramBins; k++ {
		counts[k] = 0
	}
	for _, v := range h.values {
		counts[int(math.Round((v-lo)/step))]++
	}
	bins := make([]int, 0, len(counts))
	for k := range counts {
		bins = append(bins, k)
	}
	sort.Ints(bins)
	for _, k := range bins {
		out.Table = append(out.Table, []interface{}{float64(k)*step + lo, counts[k]})
	}
	return out
}
