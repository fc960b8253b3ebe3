package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries recorded by type.",
		},
		[]string{"type"},
	)

	floorRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "ledger_floor_rejections_total",
			Help:      "Debits rejected because they would breach the balance floor.",
		},
	)
)

func init() {
	prometheus.MustRegister(entriesTotal, floorRejectionsTotal)
}

func observeEntry(t EntryType) {
	entriesTotal.WithLabelValues(string(t)).Inc()
}

func observeFloorRejection() {
	floorRejectionsTotal.Inc()
}
