package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// DefaultPushTimeout bounds a single remote write request.
const DefaultPushTimeout = 30 * time.Second

// PushConfig configures a Pusher.
type PushConfig struct {
	// URL is the base URL of the remote write endpoint; "/api/v1/write" is
	// appended unless the URL already ends with it.
	URL string
	// Job and Instance are added as labels to every series when set.
	Job      string
	Instance string
	// Timeout defaults to DefaultPushTimeout.
	Timeout time.Duration
}

// Pusher sends the current state of a registry to a Prometheus remote write
// endpoint. Each Push is one snappy-compressed WriteRequest.
type Pusher struct {
	url        string
	job        string
	instance   string
	gatherer   prometheus.Gatherer
	httpClient *http.Client
	now        func() time.Time
}

// NewPusher creates a pusher for gatherer.
func NewPusher(cfg PushConfig, gatherer prometheus.Gatherer) (*Pusher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote write url must not be empty")
	}
	if gatherer == nil {
		return nil, fmt.Errorf("gatherer must not be nil")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	url := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(url, "/api/v1/write") {
		url += "/api/v1/write"
	}
	return &Pusher{
		url:        url,
		job:        cfg.Job,
		instance:   cfg.Instance,
		gatherer:   gatherer,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// Push gathers the registry and writes every sample.
func (p *Pusher) Push(ctx context.Context) error {
	families, err := p.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	req := &prompb.WriteRequest{Timeseries: p.toTimeSeries(families)}
	if len(req.Timeseries) == 0 {
		return nil
	}

	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// toTimeSeries flattens metric families into series the way the text
// exposition format does: histograms become _bucket, _sum and _count.
func (p *Pusher) toTimeSeries(families []*dto.MetricFamily) []prompb.TimeSeries {
	ts := p.now().UnixMilli()
	var out []prompb.TimeSeries
	add := func(name string, base []*dto.LabelPair, extra map[string]string, value float64) {
		out = append(out, prompb.TimeSeries{
			Labels:  p.labels(name, base, extra),
			Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
		})
	}

	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(name, m.GetLabel(), nil, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, m.GetLabel(), nil, m.GetGauge().GetValue())
			case dto.MetricType_UNTYPED:
				add(name, m.GetLabel(), nil, m.GetUntyped().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				for _, b := range h.GetBucket() {
					add(name+"_bucket", m.GetLabel(), map[string]string{"le": formatBound(b.GetUpperBound())}, float64(b.GetCumulativeCount()))
				}
				add(name+"_bucket", m.GetLabel(), map[string]string{"le": "+Inf"}, float64(h.GetSampleCount()))
				add(name+"_sum", m.GetLabel(), nil, h.GetSampleSum())
				add(name+"_count", m.GetLabel(), nil, float64(h.GetSampleCount()))
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				for _, q := range s.GetQuantile() {
					add(name, m.GetLabel(), map[string]string{"quantile": formatBound(q.GetQuantile())}, q.GetValue())
				}
				add(name+"_sum", m.GetLabel(), nil, s.GetSampleSum())
				add(name+"_count", m.GetLabel(), nil, float64(s.GetSampleCount()))
			}
		}
	}
	return out
}

// labels builds a sorted label set, as remote write receivers expect.
func (p *Pusher) labels(name string, base []*dto.LabelPair, extra map[string]string) []prompb.Label {
	set := map[string]string{"__name__": name}
	if p.job != "" {
		set["job"] = p.job
	}
	if p.instance != "" {
		set["instance"] = p.instance
	}
	for _, lp := range base {
		set[lp.GetName()] = lp.GetValue()
	}
	for k, v := range extra {
		set[k] = v
	}
	out := make([]prompb.Label, 0, len(set))
	for k, v := range set {
		out = append(out, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func formatBound(v float64) string {
	if math.IsInf(v, +1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", v)
}
