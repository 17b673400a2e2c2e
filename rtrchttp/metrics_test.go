package rtrchttp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/peterbourgon/rtrc"
	"github.com/peterbourgon/rtrc/rtrchttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := rtrchttp.NewMetrics(prometheus.NewRegistry())

	ok := testRecord("checkout")
	failed := testRecord("checkout")
	failed.Exception = &rtrc.Exception{Message: "boom"}

	m.ObserveRecord(ok, nil)
	m.ObserveRecord(ok, nil)
	m.ObserveRecord(failed, errors.New("disk full"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TracesTotal.WithLabelValues("checkout", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracesTotal.WithLabelValues("checkout", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SaveErrorsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DurationSeconds))
}

func TestMetricsObserveRecorder(t *testing.T) {
	t.Parallel()

	var (
		m        = rtrchttp.NewMetrics(prometheus.NewRegistry())
		gate     = rtrc.NewGate(rtrc.NewRegistry())
		recorder = rtrc.NewRecorder(rtrc.RecorderConfig{Gate: gate, Observers: []rtrc.Observer{m}})
	)

	gate.EnableForRoutes("cart")

	recorder.Start(rtrc.RequestInfo{Route: "cart"}).Finish(context.Background(), nil)
	recorder.Start(rtrc.RequestInfo{Route: "other"}).Finish(context.Background(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TracesTotal.WithLabelValues("cart", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TracesTotal.WithLabelValues("other", "success")))
}
