// Package metrics はプッシュ配信パイプラインのPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 配信結果のラベル値。
const (
	OutcomeSent        = "sent"
	OutcomePermanent   = "permanent"
	OutcomeTransient   = "transient"
	OutcomeExhausted   = "exhausted"
	OutcomeDeactivated = "deactivated"
)

// イベント処理結果のラベル値。
const (
	EventEnqueued = "enqueued"
	EventNoTarget = "no_target"
	EventEmpty    = "empty_artists"
	EventDropped  = "dropped"
	EventSkipped  = "skipped"
)

// Metrics はパイプラインが更新するコレクタの集合。
// テストごとに独立したレジストリを使えるよう、グローバル変数にはしない。
type Metrics struct {
	Deliveries       *prometheus.CounterVec
	Events           *prometheus.CounterVec
	Deduplicated     prometheus.Counter
	QueueDepth       prometheus.Gauge
	RetriesPending   prometheus.Gauge
	FeedPosition     prometheus.Gauge
	DeliveryDuration *prometheus.HistogramVec
	Resubscribes     prometheus.Counter
	CredentialErrors prometheus.Counter
	SettleRetries    prometheus.Counter
}

// New はコレクタを生成し、regに登録する。regがnilの場合は登録しない。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushdispatcher_deliveries_total",
				Help: "Number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushdispatcher_events_total",
				Help: "Number of workshop change events by processing result",
			},
			[]string{"result"},
		),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushdispatcher_deduplicated_total",
			Help: "Number of (workshop, user) pairs skipped because they were already notified",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushdispatcher_queue_depth",
			Help: "Number of jobs waiting in the delivery queue",
		}),
		RetriesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushdispatcher_retries_pending",
			Help: "Number of jobs waiting for their retry backoff",
		}),
		FeedPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pushdispatcher_feed_position",
			Help: "Last committed workshop change feed position",
		}),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushdispatcher_delivery_duration_seconds",
				Help:    "Duration of push provider calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		Resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushdispatcher_feed_resubscribes_total",
			Help: "Number of change feed resubscriptions",
		}),
		CredentialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushdispatcher_credential_refresh_failures_total",
			Help: "Number of failed provider credential regenerations",
		}),
		SettleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushdispatcher_settle_retries_total",
			Help: "Number of failed ledger or token writes for finished jobs that were scheduled again",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Deliveries,
			m.Events,
			m.Deduplicated,
			m.QueueDepth,
			m.RetriesPending,
			m.FeedPosition,
			m.DeliveryDuration,
			m.Resubscribes,
			m.CredentialErrors,
			m.SettleRetries,
		)
	}
	return m
}
