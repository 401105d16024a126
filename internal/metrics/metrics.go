// Package metrics exports indexer observations to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"internline/internal/domain"
	"internline/internal/indexer"
)

const namespace = "internline"

type Prometheus struct {
	opLatency   *prometheus.HistogramVec
	records     *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	batchItems  *prometheus.CounterVec
	batchFailed *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

var _ indexer.Metrics = (*Prometheus)(nil)

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Latency of indexer operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "use_case"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Record outcomes by status.",
		}, []string{"use_case", "status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Resolve and reverse resolve calls by hit.",
		}, []string{"op", "use_case", "hit"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Items submitted through bulk record.",
		}, []string{"use_case"}),
		batchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_failed_total",
			Help:      "Bulk items that came back without an id.",
		}, []string{"use_case"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Operations that returned an error.",
		}, []string{"op", "use_case"}),
	}
	reg.MustRegister(p.opLatency, p.records, p.lookups, p.batchItems, p.batchFailed, p.errors)
	return p
}

func hitLabel(hit bool) string {
	if hit {
		return "true"
	}
	return "false"
}

func (p *Prometheus) observe(op string, uc domain.UseCaseKey, d time.Duration, err error) {
	p.opLatency.WithLabelValues(op, string(uc)).Observe(d.Seconds())
	if err != nil {
		p.errors.WithLabelValues(op, string(uc)).Inc()
	}
}

func (p *Prometheus) ObserveRecord(uc domain.UseCaseKey, status domain.RecordStatus, d time.Duration, err error) {
	p.observe("record", uc, d, err)
	if err == nil {
		p.records.WithLabelValues(string(uc), string(status)).Inc()
	}
}

func (p *Prometheus) ObserveResolve(uc domain.UseCaseKey, hit bool, d time.Duration, err error) {
	p.observe("resolve", uc, d, err)
	p.lookups.WithLabelValues("resolve", string(uc), hitLabel(hit)).Inc()
}

func (p *Prometheus) ObserveReverseResolve(uc domain.UseCaseKey, hit bool, d time.Duration, err error) {
	p.observe("reverse_resolve", uc, d, err)
	p.lookups.WithLabelValues("reverse_resolve", string(uc), hitLabel(hit)).Inc()
}

func (p *Prometheus) ObserveBatch(uc domain.UseCaseKey, size, failed int, d time.Duration, err error) {
	p.observe("bulk_record", uc, d, err)
	p.batchItems.WithLabelValues(string(uc)).Add(float64(size))
	p.batchFailed.WithLabelValues(string(uc)).Add(float64(failed))
}
