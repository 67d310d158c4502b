package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KafkaRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcollector_kafka_records_total",
			Help: "Raw records consumed from Kafka.",
		},
		[]string{"topic"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcollector_bgp_messages_total",
			Help: "BGP messages decoded, by message type.",
		},
		[]string{"router_id", "type"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcollector_parse_errors_total",
			Help: "Decode failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	PrefixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcollector_prefixes_total",
			Help: "Prefixes written (advertise, withdraw).",
		},
		[]string{"op"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpcollector_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcollector_db_rows_affected_total",
			Help: "DB rows written or updated.",
		},
		[]string{"table", "op"},
	)

	PeerSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcollector_peer_sessions",
			Help: "Monitored peer sessions currently tracked.",
		},
		[]string{"router_id"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcollector_last_msg_timestamp_seconds",
			Help: "Unix timestamp of last processed message.",
		},
		[]string{"router_id"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		KafkaRecordsTotal,
		MessagesTotal,
		ParseErrorsTotal,
		PrefixesTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		PeerSessions,
		LastMsgTimestamp,
	)
}
