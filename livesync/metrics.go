package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelKind    = "kind"
	LabelResult  = "result"
	LabelLoop    = "loop"
	LabelTrigger = "trigger"
)

const (
	KindUpdate = "update"
	KindReset  = "reset"
	KindSilent = "silent"

	ResultSuccess  = "success"
	ResultTempFail = "temp_fail"
	ResultPermFail = "perm_fail"

	LoopUpdate = "update"
	LoopWake   = "wake"

	TriggerUpdatePush = "update_push"
	TriggerWakePush   = "wake_push"
)

type Metrics struct {
	Pushes       *prometheus.CounterVec
	Deleted      *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TickRecords  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Pushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "stridesync", Subsystem: "livesync", Name: "pushes_total",
			Help: "Pushes attempted against the gateway, by kind and result.",
		}, []string{LabelKind, LabelResult}),
		Deleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "stridesync", Subsystem: "livesync", Name: "tracking_deleted_total",
			Help: "Tracking records deleted after a permanent delivery failure.",
		}, []string{LabelTrigger}),
		TickDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stridesync", Subsystem: "livesync", Name: "tick_duration_seconds",
			Help:    "Wall time of one full tick of a delivery loop.",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelLoop}),
		TickRecords: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stridesync", Subsystem: "livesync", Name: "tick_records",
			Help: "Tracking records considered by the most recent tick.",
		}, []string{LabelLoop}),
	}
}
