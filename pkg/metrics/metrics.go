package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchStats 进程内的下发计数
type DispatchStats struct {
	Connects   uint64
	Installed  uint64
	Failed     uint64
	Duplicates uint64
	NoRules    uint64 // 没有适用规则的连接次数
}

func (s *DispatchStats) IncrementConnects() {
	atomic.AddUint64(&s.Connects, 1)
}

func (s *DispatchStats) AddInstalled(n int) {
	atomic.AddUint64(&s.Installed, uint64(n))
}

func (s *DispatchStats) AddFailed(n int) {
	atomic.AddUint64(&s.Failed, uint64(n))
}

func (s *DispatchStats) AddDuplicates(n int) {
	atomic.AddUint64(&s.Duplicates, uint64(n))
}

func (s *DispatchStats) IncrementNoRules() {
	atomic.AddUint64(&s.NoRules, 1)
}

func (s *DispatchStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"connects":   atomic.LoadUint64(&s.Connects),
		"installed":  atomic.LoadUint64(&s.Installed),
		"failed":     atomic.LoadUint64(&s.Failed),
		"duplicates": atomic.LoadUint64(&s.Duplicates),
		"no_rules":   atomic.LoadUint64(&s.NoRules),
	}
}

// FirewallMetrics 防火墙的Prometheus指标，同时维护进程内计数
type FirewallMetrics struct {
	stats DispatchStats

	rulesLoaded      prometheus.Gauge
	rulesRejected    prometheus.Gauge
	loadFailures     prometheus.Counter
	connectsTotal    *prometheus.CounterVec
	installedTotal   *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	duplicatesTotal  *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

// NewFirewallMetrics 创建并注册指标，registry为nil时返回nil，所有方法对nil安全
func NewFirewallMetrics(registry prometheus.Registerer) *FirewallMetrics {
	if registry == nil {
		return nil
	}

	m := &FirewallMetrics{
		rulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sdn_firewall",
			Subsystem: "rules",
			Name:      "loaded",
			Help:      "Number of valid rules in the loaded rule set",
		}),
		rulesRejected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sdn_firewall",
			Subsystem: "rules",
			Name:      "rejected",
			Help:      "Number of rule entries dropped by validation",
		}),
		loadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdn_firewall",
			Subsystem: "rules",
			Name:      "load_failures_total",
			Help:      "Rule sources that could not be read or parsed",
		}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdn_firewall",
			Subsystem: "dispatch",
			Name:      "switch_connects_total",
			Help:      "Switch connect events handled",
		}, []string{"switch"}),
		installedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdn_firewall",
			Subsystem: "dispatch",
			Name:      "directives_installed_total",
			Help:      "Drop directives sent successfully",
		}, []string{"switch"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdn_firewall",
			Subsystem: "dispatch",
			Name:      "send_failures_total",
			Help:      "Drop directives that could not be sent",
		}, []string{"switch"}),
		duplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdn_firewall",
			Subsystem: "dispatch",
			Name:      "duplicate_matches_total",
			Help:      "Rules skipped because an earlier rule produced the same match",
		}, []string{"switch"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sdn_firewall",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent handling one switch connect event",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
	}

	registry.MustRegister(
		m.rulesLoaded,
		m.rulesRejected,
		m.loadFailures,
		m.connectsTotal,
		m.installedTotal,
		m.failuresTotal,
		m.duplicatesTotal,
		m.dispatchDuration,
	)
	return m
}

// ObserveLoad 记录规则加载结果
func (m *FirewallMetrics) ObserveLoad(valid, rejected int, failed bool) {
	if m == nil {
		return
	}
	m.rulesLoaded.Set(float64(valid))
	m.rulesRejected.Set(float64(rejected))
	if failed {
		m.loadFailures.Inc()
	}
}

// ObserveDispatch 记录一次连接事件的下发结果
func (m *FirewallMetrics) ObserveDispatch(switchID uint64, installed, failed, duplicates int, noRules bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := strconv.FormatUint(switchID, 10)

	m.stats.IncrementConnects()
	m.stats.AddInstalled(installed)
	m.stats.AddFailed(failed)
	m.stats.AddDuplicates(duplicates)
	if noRules {
		m.stats.IncrementNoRules()
	}

	m.connectsTotal.WithLabelValues(label).Inc()
	m.installedTotal.WithLabelValues(label).Add(float64(installed))
	m.failuresTotal.WithLabelValues(label).Add(float64(failed))
	m.duplicatesTotal.WithLabelValues(label).Add(float64(duplicates))
	m.dispatchDuration.Observe(elapsed.Seconds())
}

// GetStats 返回进程内计数
func (m *FirewallMetrics) GetStats() map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m.stats.GetStats()
}
