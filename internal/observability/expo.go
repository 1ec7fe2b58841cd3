package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Prometheus text exposition without the client library. Families register
// once on a registry, series materialize on first touch, and Render walks
// families in registration order.

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

// labelSep joins label values into a series key. \x1f never appears in the
// label values this package records.
const labelSep = "\x1f"

type registry struct {
	mu       sync.Mutex
	families []*family
}

func newRegistry() *registry { return &registry{} }

func (r *registry) register(f *family) *family {
	r.mu.Lock()
	r.families = append(r.families, f)
	r.mu.Unlock()
	return f
}

func (r *registry) counter(name, help string, labels ...string) *family {
	return r.register(&family{name: name, help: help, kind: kindCounter, labels: labels, series: map[string]*series{}})
}

func (r *registry) gauge(name, help string, labels ...string) *family {
	return r.register(&family{name: name, help: help, kind: kindGauge, labels: labels, series: map[string]*series{}})
}

func (r *registry) histogram(name, help string, buckets []float64, labels ...string) *family {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return r.register(&family{name: name, help: help, kind: kindHistogram, labels: labels, buckets: buckets, series: map[string]*series{}})
}

func (r *registry) Render(w io.Writer) error {
	r.mu.Lock()
	fams := make([]*family, len(r.families))
	copy(fams, r.families)
	r.mu.Unlock()
	for _, f := range fams {
		if err := f.render(w); err != nil {
			return err
		}
	}
	return nil
}

type family struct {
	name    string
	help    string
	kind    metricKind
	labels  []string
	buckets []float64

	mu     sync.RWMutex
	series map[string]*series
}

// series is one label combination. Counters and gauges use val; histograms
// keep non-cumulative per-bucket hits plus the running count and sum, and
// render accumulates.
type series struct {
	val  float64
	hits []uint64
	n    uint64
	sum  float64
}

func (f *family) withSeries(labelValues []string, fn func(*series)) {
	key := strings.Join(labelValues, labelSep)
	f.mu.Lock()
	s, ok := f.series[key]
	if !ok {
		s = &series{}
		if f.kind == kindHistogram {
			s.hits = make([]uint64, len(f.buckets))
		}
		f.series[key] = s
	}
	fn(s)
	f.mu.Unlock()
}

func (f *family) inc(labelValues ...string) { f.add(1, labelValues...) }

func (f *family) add(delta float64, labelValues ...string) {
	f.withSeries(labelValues, func(s *series) { s.val += delta })
}

func (f *family) set(v float64, labelValues ...string) {
	f.withSeries(labelValues, func(s *series) { s.val = v })
}

func (f *family) observe(v float64, labelValues ...string) {
	f.withSeries(labelValues, func(s *series) {
		s.n++
		s.sum += v
		for i, bound := range f.buckets {
			if v <= bound {
				s.hits[i]++
				break
			}
		}
	})
}

// value reads the current counter or gauge value for one label combination.
func (f *family) value(labelValues ...string) float64 {
	key := strings.Join(labelValues, labelSep)
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.series[key]
	if !ok {
		return 0
	}
	return s.val
}

func (f *family) render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind.String()); err != nil {
		return err
	}

	f.mu.RLock()
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, key := range keys {
		s := f.series[key]
		switch f.kind {
		case kindHistogram:
			err = f.renderHistogram(w, key, s)
		default:
			_, err = fmt.Fprintf(w, "%s%s %f\n", f.name, f.labelPairs(key, ""), s.val)
		}
		if err != nil {
			break
		}
	}
	f.mu.RUnlock()
	return err
}

func (f *family) renderHistogram(w io.Writer, key string, s *series) error {
	var cum uint64
	for i, bound := range f.buckets {
		cum += s.hits[i]
		le := fmt.Sprintf("%g", bound)
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, f.labelPairs(key, le), cum); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, f.labelPairs(key, "+Inf"), s.n); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", f.name, f.labelPairs(key, ""), s.sum); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s_count%s %d\n", f.name, f.labelPairs(key, ""), s.n)
	return err
}

// labelPairs renders {a="x",b="y"} for a series key, appending le when set.
func (f *family) labelPairs(key, le string) string {
	if len(f.labels) == 0 && le == "" {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	values := strings.Split(key, labelSep)
	for i, name := range f.labels {
		if i > 0 {
			b.WriteByte(',')
		}
		v := ""
		if i < len(values) {
			v = values[i]
		}
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(v))
		b.WriteString(`"`)
	}
	if le != "" {
		if len(f.labels) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`le="`)
		b.WriteString(escapeLabelValue(le))
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}

func (k metricKind) String() string {
	switch k {
	case kindGauge:
		return "gauge"
	case kindHistogram:
		return "histogram"
	default:
		return "counter"
	}
}

func escapeLabelValue(v string) string {
	if !strings.ContainsAny(v, "\\\"\n") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}
