package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/gxo-labs/flowcore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelMap(ts prompb.TimeSeries) map[string]string {
	out := make(map[string]string, len(ts.Labels))
	for _, l := range ts.Labels {
		out[l.Name] = l.Value
	}
	return out
}

func TestNewPusher_Validation(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewPusher(metrics.PushConfig{}, reg)
	assert.Error(t, err)
	_, err = metrics.NewPusher(metrics.PushConfig{URL: "http://localhost:9090"}, nil)
	assert.Error(t, err)
}

func TestPusher_PushWritesRegistry(t *testing.T) {
	received := make(chan []prompb.TimeSeries, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/write", r.URL.Path)
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		var req prompb.WriteRequest
		require.NoError(t, proto.Unmarshal(decoded, &req))
		received <- req.Timeseries
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	provider := metrics.NewPrometheusRegistryProvider()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowcore_flow_runs_total", Help: "runs"}, []string{"flow", "state"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "flowcore_flow_run_duration_seconds", Help: "d", Buckets: []float64{1, 5}})
	provider.Registry().MustRegister(runs, duration)
	runs.WithLabelValues("etl", "Completed").Add(2)
	duration.Observe(3)

	pusher, err := metrics.NewPusher(metrics.PushConfig{URL: server.URL, Job: "flowcore"}, provider.Registry())
	require.NoError(t, err)
	require.NoError(t, pusher.Push(context.Background()))

	series := <-received
	byName := map[string][]prompb.TimeSeries{}
	for _, ts := range series {
		name := labelMap(ts)["__name__"]
		byName[name] = append(byName[name], ts)
	}

	require.Len(t, byName["flowcore_flow_runs_total"], 1)
	counter := byName["flowcore_flow_runs_total"][0]
	assert.Equal(t, map[string]string{
		"__name__": "flowcore_flow_runs_total",
		"job":      "flowcore",
		"flow":     "etl",
		"state":    "Completed",
	}, labelMap(counter))
	assert.Equal(t, 2.0, counter.Samples[0].Value)

	buckets := map[string]float64{}
	for _, ts := range byName["flowcore_flow_run_duration_seconds_bucket"] {
		buckets[labelMap(ts)["le"]] = ts.Samples[0].Value
	}
	assert.Equal(t, map[string]float64{"1": 0, "5": 1, "+Inf": 1}, buckets)
	assert.Equal(t, 3.0, byName["flowcore_flow_run_duration_seconds_sum"][0].Samples[0].Value)
	assert.Equal(t, 1.0, byName["flowcore_flow_run_duration_seconds_count"][0].Samples[0].Value)
}

func TestPusher_ReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of order sample", http.StatusBadRequest)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "flowcore_up", Help: "up"})
	reg.MustRegister(g)
	g.Set(1)

	pusher, err := metrics.NewPusher(metrics.PushConfig{URL: server.URL + "/api/v1/write"}, reg)
	require.NoError(t, err)
	err = pusher.Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
