// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// promNamePrefix is prepended to every exported metric name.
const promNamePrefix = "kds_"

// PromName converts a metric name such as "/scheduler/commands_retired" to a
// valid Prometheus metric name ("kds_scheduler_commands_retired").
func PromName(name string) string {
	var b strings.Builder
	b.WriteString(promNamePrefix)
	for _, r := range strings.TrimPrefix(name, "/") {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (m *metadata) labels(key int) []*dto.LabelPair {
	values := m.fields.keyToMultiField(key)
	pairs := make([]*dto.LabelPair, len(values))
	for i, v := range values {
		pairs[i] = &dto.LabelPair{
			Name:  proto.String(m.fields.fields[i].name),
			Value: proto.String(v),
		}
	}
	return pairs
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	typ := dto.MetricType_GAUGE
	if m.cumulative {
		typ = dto.MetricType_COUNTER
	}
	f := &dto.MetricFamily{
		Name: proto.String(PromName(m.name)),
		Help: proto.String(m.description),
		Type: typ.Enum(),
	}
	for key := range m.values {
		v := float64(m.values[key].Load())
		pm := &dto.Metric{Label: m.labels(key)}
		if m.cumulative {
			pm.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			pm.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		f.Metric = append(f.Metric, pm)
	}
	return f
}

func (d *DistributionMetric) family() *dto.MetricFamily {
	f := &dto.MetricFamily{
		Name: proto.String(PromName(d.name)),
		Help: proto.String(d.description),
		Type: dto.MetricType_HISTOGRAM.Enum(),
	}
	n := d.bucketer.NumFiniteBuckets()
	for key := range d.samples {
		var cumulative uint64
		h := &dto.Histogram{SampleSum: proto.Float64(float64(d.sums[key].Load()))}
		// Bucket 0 is underflow; it is folded into the first finite bucket.
		for i := 0; i <= n; i++ {
			cumulative += d.samples[key][i].Load()
			if i == 0 {
				continue
			}
			h.Bucket = append(h.Bucket, &dto.Bucket{
				CumulativeCount: proto.Uint64(cumulative),
				UpperBound:      proto.Float64(float64(d.bucketer.LowerBound(i))),
			})
		}
		cumulative += d.samples[key][n+1].Load()
		h.SampleCount = proto.Uint64(cumulative)
		f.Metric = append(f.Metric, &dto.Metric{Label: d.labels(key), Histogram: h})
	}
	return f
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, m := range allMetrics.sorted() {
		var f *dto.MetricFamily
		switch m := m.(type) {
		case *Uint64Metric:
			f = m.family()
		case *DistributionMetric:
			f = m.family()
		default:
			panic(fmt.Sprintf("unknown metric type %T", m))
		}
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing metric %q: %w", f.GetName(), err)
		}
	}
	return nil
}
