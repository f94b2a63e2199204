package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_checkouts_total",
		Help: "Checkout attempts by result.",
	}, []string{"result"})

	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_reservations_total",
		Help: "Stock reservation attempts by result.",
	}, []string{"result"})

	compensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_checkout_compensations_total",
		Help: "Checkouts rolled back after a partial reservation.",
	})
)
