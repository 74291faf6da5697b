// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered in a process-wide set at package initialization and
// can be exported in the Prometheus text format with WritePrometheus.
package metric

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper numbers every combination of field values. Keys are laid out
// row-major: the last field varies fastest.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of distinct keys.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, numFieldCombinations: n}, nil
}

// lookup returns the key of the given field values, one per field. It panics
// on a wrong number of values or a value that is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	key := 0
	for i, v := range values {
		idx := slices.Index(m.fields[i].allowedValues, v)
		if idx < 0 {
			panic(fmt.Sprintf("disallowed value %q for field %q", v, m.fields[i].name))
		}
		key = key*len(m.fields[i].allowedValues) + idx
	}
	return key
}

// keyToMultiField returns the field values of key, in field order.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		allowed := m.fields[i].allowedValues
		values[i] = allowed[key%len(allowed)]
		key /= len(allowed)
	}
	return values
}

// metadata is the description shared by every metric kind.
type metadata struct {
	name        string
	description string
	cumulative  bool
	fields      fieldMapper
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. A cumulative metric only ever grows and is exported as a counter;
// otherwise it is exported as a gauge.
type Uint64Metric struct {
	metadata

	// values holds one value per field combination.
	values []atomic.Uint64
}

// NewUint64Metric creates and registers a new metric with the given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		metadata: metadata{name: name, description: description, cumulative: cumulative, fields: fm},
		values:   make([]atomic.Uint64, fm.numFieldCombinations),
	}
	if err := allMetrics.add(name, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.fields.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.fields.lookup(fieldValues...)].Add(v)
}

// Decrement decrements a gauge by 1.
func (m *Uint64Metric) Decrement(fieldValues ...string) {
	if m.cumulative {
		panic(fmt.Sprintf("decrement of cumulative metric %q", m.name))
	}
	m.values[m.fields.lookup(fieldValues...)].Add(^uint64(0))
}

// Bucketer maps samples to buckets. A distribution has an underflow bucket
// (index -1), NumFiniteBuckets finite buckets, and an overflow bucket (index
// NumFiniteBuckets) without upper bound.
type Bucketer interface {
	// NumFiniteBuckets returns the number of finite buckets. It must not
	// change.
	NumFiniteBuckets() int

	// LowerBound returns the inclusive lower bound of bucket i, for i in
	// [0, NumFiniteBuckets()]. It is also the upper bound of bucket i-1.
	LowerBound(i int) int64

	// BucketIndex returns the bucket of sample, in
	// [-1, NumFiniteBuckets()].
	BucketIndex(sample int64) int
}

// ExponentialBucketer is a Bucketer whose finite buckets start at 0 and grow
// linearly by a width plus an exponential term.
type ExponentialBucketer struct {
	numFiniteBuckets int

	// lowerBounds[i] is the lower bound of bucket i; the last entry is the
	// lower bound of the overflow bucket.
	lowerBounds []int64
}

// Minimum/maximum finite buckets for exponential bucketers.
const (
	exponentialMinBuckets = 1
	exponentialMaxBuckets = 100
)

// NewExponentialBucketer returns a new Bucketer with exponential buckets.
// Bucket i >= 1 has lower bound width*i + scale*growth^(i-1).
func NewExponentialBucketer(numFiniteBuckets int, width uint64, scale, growth float64) *ExponentialBucketer {
	if numFiniteBuckets < exponentialMinBuckets || numFiniteBuckets > exponentialMaxBuckets {
		panic(fmt.Sprintf("number of finite buckets must be in [%d, %d]", exponentialMinBuckets, exponentialMaxBuckets))
	}
	if scale < 0 || growth < 0 {
		panic(fmt.Sprintf("scale and growth for exponential buckets must be >0, got scale=%f and growth=%f", scale, growth))
	}
	b := &ExponentialBucketer{
		numFiniteBuckets: numFiniteBuckets,
		lowerBounds:      make([]int64, numFiniteBuckets+1),
	}
	for i := 1; i <= numFiniteBuckets; i++ {
		b.lowerBounds[i] = int64(float64(width)*float64(i) + scale*math.Pow(growth, float64(i-1)))
		if b.lowerBounds[i] <= b.lowerBounds[i-1] {
			panic(fmt.Sprintf("bucket %d is empty or overflows", i))
		}
	}
	return b
}

// NumFiniteBuckets implements Bucketer.NumFiniteBuckets.
func (b *ExponentialBucketer) NumFiniteBuckets() int {
	return b.numFiniteBuckets
}

// LowerBound implements Bucketer.LowerBound.
func (b *ExponentialBucketer) LowerBound(bucketIndex int) int64 {
	return b.lowerBounds[bucketIndex]
}

// BucketIndex implements Bucketer.BucketIndex.
func (b *ExponentialBucketer) BucketIndex(sample int64) int {
	if sample < 0 {
		return -1
	}
	// Index of the first lower bound strictly above sample, minus one.
	return sort.Search(len(b.lowerBounds), func(i int) bool { return b.lowerBounds[i] > sample }) - 1
}

// Verify that ExponentialBucketer implements Bucketer.
var _ = (Bucketer)((*ExponentialBucketer)(nil))

// DistributionMetric represents a distribution of values in finite buckets.
type DistributionMetric struct {
	metadata

	bucketer Bucketer

	// samples is the number of samples that fell within each bucket, per
	// field combination. The 0-th bucket is the "underflow bucket"; the
	// i-th is the bucketer's (i-1)-th finite bucket; the last is the
	// infinite bucket.
	samples [][]atomic.Uint64

	// sums is the sum of samples per field combination.
	sums []atomic.Int64
}

// NewDistributionMetric creates and registers a new distribution metric.
func NewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) (*DistributionMetric, error) {
	fm, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	d := &DistributionMetric{
		metadata: metadata{name: name, description: description, fields: fm},
		bucketer: bucketer,
		samples:  make([][]atomic.Uint64, fm.numFieldCombinations),
		sums:     make([]atomic.Int64, fm.numFieldCombinations),
	}
	for i := range d.samples {
		d.samples[i] = make([]atomic.Uint64, bucketer.NumFiniteBuckets()+2)
	}
	if err := allMetrics.add(name, d); err != nil {
		return nil, err
	}
	return d, nil
}

// MustCreateNewDistributionMetric creates and registers a distribution metric.
// If an error occurs, it panics.
func MustCreateNewDistributionMetric(name string, bucketer Bucketer, description string, fields ...Field) *DistributionMetric {
	d, err := NewDistributionMetric(name, bucketer, description, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// AddSample adds a sample to the distribution.
// This *must* be called with the correct number of fields, or it will panic.
func (d *DistributionMetric) AddSample(sample int64, fields ...string) {
	key := d.fields.lookup(fields...)
	d.samples[key][d.bucketer.BucketIndex(sample)+1].Add(1)
	d.sums[key].Add(sample)
}

// metricSet holds every registered metric.
type metricSet struct {
	mu sync.Mutex

	// metrics maps names to *Uint64Metric or *DistributionMetric.
	metrics map[string]any
}

var allMetrics = metricSet{metrics: make(map[string]any)}

func (s *metricSet) add(name string, m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metrics[name]; ok {
		return ErrNameInUse
	}
	s.metrics[name] = m
	return nil
}

// sorted returns the registered metrics ordered by name.
func (s *metricSet) sorted() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	ms := make([]any, len(names))
	for i, name := range names {
		ms[i] = s.metrics[name]
	}
	return ms
}
