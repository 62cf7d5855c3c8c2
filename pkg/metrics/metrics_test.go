package metrics

import (
	"testing"
	"time"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveUnion(t *testing.T) {
	before := testutil.ToFloat64(PixelUnionsTotal.WithLabelValues("true"))
	ObserveUnion(&aggregate.UnionResult{Saturated: true, Merges: 3})
	assert.Equal(t, before+1, testutil.ToFloat64(PixelUnionsTotal.WithLabelValues("true")))
}

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("tile", OutcomeOK))
	ObserveRequest("tile", time.Now(), OutcomeOK)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("tile", OutcomeOK)))
}
