package perm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/claim-engine/internal/claim"
	"github.com/annel0/claim-engine/internal/policy"
)

// Decision — результат разрешения доступа.
type Decision uint8

const (
	Deny Decision = iota
	Allow
)

// String возвращает строковое представление решения.
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Resolver — чистая функция текущего состояния: по претензии, субъекту
// и действию возвращает разрешение. Состояние никогда не мутирует.
type Resolver struct {
	cascade *policy.Cascade
	metrics *resolverMetrics
}

// NewResolver создаёт резолвер поверх каскада политики.
func NewResolver(cascade *policy.Cascade) *Resolver {
	return &Resolver{cascade: cascade, metrics: newResolverMetrics()}
}

// Resolve разрешает действие субъекта в ячейке, покрытой претензией c
// (nil — незанятая территория). Порядок правил, первое совпавшее побеждает:
//
//  1. Административный байпас → Allow (включая вход при бане).
//  2. Незанятая территория → Allow.
//  3. Субъект в банах претензии → Deny (присутствие подразумевает вход).
//  4. Субъект — владелец → Allow безусловно.
//  5. Субъект — участник → переопределение для участников, иначе
//     каскадное значение по умолчанию для участников.
//  6. Посетитель → переопределение для посетителей, иначе
//     каскадное значение по умолчанию для посетителей.
//
// Для административной территории (владелец-сентинел) правило 4 не
// применяется никогда: доступ полностью определяется правилами 5–6.
func (r *Resolver) Resolve(c *claim.Claim, subject string, action claim.Action, bypass bool) Decision {
	d := r.resolve(c, subject, action, bypass)
	r.metrics.decision(action, d)
	return d
}

func (r *Resolver) resolve(c *claim.Claim, subject string, action claim.Action, bypass bool) Decision {
	if bypass {
		return Allow
	}
	if c == nil {
		return Allow
	}
	if c.IsBanned(subject) {
		return Deny
	}
	if c.IsOwner(subject) {
		return Allow
	}

	aud := claim.AudienceVisitors
	if c.IsMember(subject) {
		aud = claim.AudienceMembers
	}
	switch c.Override(action, aud) {
	case claim.PermAllow:
		return Allow
	case claim.PermDeny:
		return Deny
	}
	if r.cascade.DefaultFor(action, aud) {
		return Allow
	}
	return Deny
}

// resolverMetrics — счётчик решений по действиям и вердиктам.
type resolverMetrics struct {
	decisions *prometheus.CounterVec
}

var (
	resolverMetricsOnce sync.Once
	resolverMetricsInst *resolverMetrics
)

func newResolverMetrics() *resolverMetrics {
	resolverMetricsOnce.Do(func() {
		resolverMetricsInst = &resolverMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claims",
				Name:      "permission_decisions_total",
				Help:      "Решения резолвера разрешений по действиям и вердиктам.",
			}, []string{"action", "verdict"}),
		}
		prometheus.MustRegister(resolverMetricsInst.decisions)
	})
	return resolverMetricsInst
}

func (m *resolverMetrics) decision(action claim.Action, d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(action), d.String()).Inc()
}
