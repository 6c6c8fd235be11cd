package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsExporter инкапсулирует Prometheus-метрики для EventBus и
// периодически обновляет их. Экспортер не делает предположений о
// конкретной реализации шины — ему достаточно интерфейса EventBus.
type MetricsExporter struct {
	bus  EventBus
	quit chan struct{}
	done chan struct{}

	published prometheus.Counter
	consumed  prometheus.Counter
	dropped   prometheus.Counter
	inflight  prometheus.Gauge
}

// NewMetricsExporter создаёт экспортер и регистрирует метрики
// в дефолтном регистре Prometheus.
func NewMetricsExporter(bus EventBus) *MetricsExporter {
	me := &MetricsExporter{
		bus:  bus,
		quit: make(chan struct{}),
		done: make(chan struct{}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "claimbus",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных событий претензий.",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "claimbus",
			Name:      "messages_consumed_total",
			Help:      "Общее число событий, доставленных подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "claimbus",
			Name:      "messages_dropped_total",
			Help:      "Событий, отброшенных из-за ошибок или ограничения back-pressure.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "claimbus",
			Name:      "messages_inflight",
			Help:      "Количество событий в очереди (не доставленных).",
		}),
	}

	prometheus.MustRegister(me.published, me.consumed, me.dropped, me.inflight)
	return me
}

// Start запускает периодическое обновление метрик.
func (m *MetricsExporter) Start() {
	go m.loop()
}

// Stop останавливает обновление метрик.
func (m *MetricsExporter) Stop() {
	close(m.quit)
	<-m.done
}

func (m *MetricsExporter) loop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	defer close(m.done)

	// Counter принимает только приращение — храним прошлое значение.
	var prev Stats

	for {
		select {
		case <-ticker.C:
			stats := m.bus.Metrics()

			if d := stats.Published - prev.Published; d > 0 {
				m.published.Add(float64(d))
			}
			if d := stats.Consumed - prev.Consumed; d > 0 {
				m.consumed.Add(float64(d))
			}
			if d := stats.Dropped - prev.Dropped; d > 0 {
				m.dropped.Add(float64(d))
			}
			m.inflight.Set(float64(stats.InFlight))
			prev = stats
		case <-m.quit:
			return
		}
	}
}
