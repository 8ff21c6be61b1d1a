package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	r.Write("user", "insert")
	r.Write("user", "insert")
	r.Write("group", "delete")
	r.Orphan()
	r.Callback("user", "prePersist")
	r.Flush(true, 3*time.Millisecond)
	r.Flush(false, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.writes.WithLabelValues("user", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.writes.WithLabelValues("group", "delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.orphans))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.callbacks.WithLabelValues("user", "prePersist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("error")))
	assert.Equal(t, uint64(2), family(t, reg, "ledger_flush_duration_seconds").GetMetric()[0].GetHistogram().GetSampleCount())
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestRecorder_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.Write("user", "insert")
	b.Write("user", "insert")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.writes.WithLabelValues("user", "insert")))
}

func TestRecorder_ConflictingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "writes_total",
		Help:      "Something else.",
	}))
	_, err := New(reg)
	assert.Error(t, err)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Write("user", "insert")
		r.Orphan()
		r.Callback("user", "prePersist")
		r.Flush(true, time.Second)
	})
}

func TestNew_PrivateRegistry(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, r)
}
