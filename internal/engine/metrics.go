package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность тика и отдельного исполнения
	TickDuration      prometheus.Histogram
	ExecutionDuration *prometheus.HistogramVec

	// Traffic: сколько политик было к исполнению на тике
	PoliciesDue prometheus.Counter

	// Итоги исполнений: success, failed, aborted, systemic, persist_error
	Executions *prometheus.CounterVec

	// Пропуски: paused, in_flight, halted
	Skipped *prometheus.CounterVec

	CredentialMints prometheus.Counter

	// Saturation: состояние Circuit Breaker сайдкара подписи (0 - closed, 1 - half-open, 2 - open)
	SignerBreakerState prometheus.Gauge

	// Заполненность буфера журнала (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистратора пишем в локальный реестр, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dca_tick_duration_seconds",
			Help:    "Duration of a scheduler tick.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dca_execution_duration_seconds",
			Help:    "Duration of a single swap execution attempt.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "outcome"}),

		PoliciesDue: f.NewCounter(prometheus.CounterOpts{
			Name: "dca_policies_due_total",
			Help: "Total number of policies found due by the scheduler.",
		}),

		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_executions_total",
			Help: "Total number of execution attempts by outcome.",
		}, []string{"source", "outcome"}),

		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dca_policies_skipped_total",
			Help: "Total number of due policies skipped by reason.",
		}, []string{"reason"}),

		CredentialMints: f.NewCounter(prometheus.CounterOpts{
			Name: "dca_capacity_credential_mints_total",
			Help: "Total number of minted capacity credentials.",
		}),

		SignerBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "dca_signer_circuit_breaker_state",
			Help: "Current state of the signer circuit breaker (0=closed, 1=half-open, 2=open).",
		}),

		JournalBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "dca_journal_buffer_utilization",
			Help: "Current number of events in the execution journal buffer.",
		}),
	}
}
