package stats

import (
	"bufio"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const namespace = "keywallet"

// Metrics groups the collectors of the key engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	derivations    *prometheus.CounterVec
	signatures     *prometheus.CounterVec
	signFailures   prometheus.Counter
	discovered     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "address_cache",
			Name:      "hits_total",
			Help:      "Address lookups served from the cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "address_cache",
			Name:      "misses_total",
			Help:      "Address lookups that required a derivation.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "address_cache",
			Name:      "evictions_total",
			Help:      "Addresses evicted to honor the cache capacity.",
		}),
		derivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivations_total",
			Help:      "Keys derived, by kind (private, public).",
		}, []string{"kind"}),
		signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Transaction inputs signed, by script type.",
		}, []string{"script_type"}),
		signFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sign_failures_total",
			Help:      "Transactions that could not be signed.",
		}),
		discovered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_addresses",
			Help:      "High-water mark of discovered addresses, by account and chain.",
		}, []string{"account", "chain"}),
	}

	for _, c := range []prometheus.Collector{
		m.cacheHits, m.cacheMisses, m.cacheEvictions,
		m.derivations, m.signatures, m.signFailures, m.discovered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CacheHit ...
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// CacheMiss ...
func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// CacheEviction ...
func (m *Metrics) CacheEviction() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

// Derivation counts a derived key of the given kind.
func (m *Metrics) Derivation(private bool) {
	if m == nil {
		return
	}
	kind := "public"
	if private {
		kind = "private"
	}
	m.derivations.WithLabelValues(kind).Inc()
}

// Signature counts a signed input.
func (m *Metrics) Signature(scriptType string) {
	if m != nil {
		m.signatures.WithLabelValues(scriptType).Inc()
	}
}

// SignFailure ...
func (m *Metrics) SignFailure() {
	if m != nil {
		m.signFailures.Inc()
	}
}

// Discovered sets the high-water mark of an account chain.
func (m *Metrics) Discovered(account, chain string, highWater uint32) {
	if m != nil {
		m.discovered.WithLabelValues(account, chain).Set(float64(highWater))
	}
}

// DumpMetrics writes the metrics gathered by g to the file at path.
func DumpMetrics(g prometheus.Gatherer, path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	metricFamily, err := g.Gather()
	if err != nil {
		return err
	}
	for _, v := range metricFamily {
		if _, err := writer.WriteString(v.String() + "\n"); err != nil {
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	log.Debugf("dumped %d metric families to %s", len(metricFamily), path)
	return nil
}
