package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics — Prometheus-метрики реестра претензий.
//
// * claims_mutations_total{op,result} — counter структурных мутаций
// * claims_live — gauge живых претензий
type Metrics struct {
	mutations *prometheus.CounterVec
	live      prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// newMetrics регистрирует метрики в дефолтном регистре один раз:
// реестр может пересоздаваться в тестах, а повторная регистрация
// одного имени метрики в Prometheus — panic.
func newMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claims",
				Name:      "mutations_total",
				Help:      "Общее число структурных мутаций реестра по операциям и результатам.",
			}, []string{"op", "result"}),
			live: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "claims",
				Name:      "live",
				Help:      "Текущее количество живых претензий.",
			}),
		}
		prometheus.MustRegister(metricsInst.mutations, metricsInst.live)
	})
	return metricsInst
}

func (m *Metrics) mutation(op, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) setClaims(n int) {
	if m == nil {
		return
	}
	m.live.Set(float64(n))
}
