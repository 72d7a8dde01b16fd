// Package metrics exports misuse detector and simulated machine counters
// to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/preempt/internal/preempt/detector"
)

// DetectorSource is what the collector reads from a detector.
type DetectorSource interface {
	Stats() detector.Stats
	UniqueStacks() int
}

// InterruptSource is what the collector reads from a simulated machine.
type InterruptSource interface {
	NumCPU() int
	Interrupts(cpu int) uint64
}

// Collector implements prometheus.Collector over detector statistics.
// Values are read at scrape time; nothing is cached between scrapes.
type Collector struct {
	det DetectorSource
	irq InterruptSource // optional

	checksDesc       *prometheus.Desc
	reportsDesc      *prometheus.Desc
	rateLimitedDesc  *prometheus.Desc
	uniqueStacksDesc *prometheus.Desc
	interruptsDesc   *prometheus.Desc
}

// NewCollector creates a collector for det. irq may be nil.
func NewCollector(det DetectorSource, irq InterruptSource) *Collector {
	return &Collector{
		det: det,
		irq: irq,
		checksDesc: prometheus.NewDesc(
			"preempt_processor_id_checks_total",
			"Checked processor-id reads by outcome.",
			[]string{"outcome"}, nil,
		),
		reportsDesc: prometheus.NewDesc(
			"preempt_misuse_reports_total",
			"Misuse reports emitted.",
			nil, nil,
		),
		rateLimitedDesc: prometheus.NewDesc(
			"preempt_misuse_rate_limited_total",
			"Misuses found but suppressed by the rate limiter.",
			nil, nil,
		),
		uniqueStacksDesc: prometheus.NewDesc(
			"preempt_misuse_unique_stacks",
			"Distinct call stacks among reported misuses.",
			nil, nil,
		),
		interruptsDesc: prometheus.NewDesc(
			"preempt_simulated_interrupts_total",
			"Simulated interrupts delivered per CPU.",
			[]string{"cpu"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checksDesc
	ch <- c.reportsDesc
	ch <- c.rateLimitedDesc
	ch <- c.uniqueStacksDesc
	if c.irq != nil {
		ch <- c.interruptsDesc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.det.Stats()

	outcomes := []struct {
		label string
		value uint64
	}{
		{"preempt_disabled", s.SafePreemptDisabled},
		{"irqs_disabled", s.SafeIRQsDisabled},
		{"pinned", s.SafePinned},
		{"early_boot", s.SafeEarlyBoot},
		{"misuse", s.Misuses()},
	}
	for _, o := range outcomes {
		ch <- prometheus.MustNewConstMetric(c.checksDesc, prometheus.CounterValue, float64(o.value), o.label)
	}

	ch <- prometheus.MustNewConstMetric(c.reportsDesc, prometheus.CounterValue, float64(s.Reported))
	ch <- prometheus.MustNewConstMetric(c.rateLimitedDesc, prometheus.CounterValue, float64(s.RateLimited))
	ch <- prometheus.MustNewConstMetric(c.uniqueStacksDesc, prometheus.GaugeValue, float64(c.det.UniqueStacks()))

	if c.irq == nil {
		return
	}
	for cpu := 0; cpu < c.irq.NumCPU(); cpu++ {
		ch <- prometheus.MustNewConstMetric(
			c.interruptsDesc,
			prometheus.CounterValue,
			float64(c.irq.Interrupts(cpu)),
			strconv.Itoa(cpu),
		)
	}
}
