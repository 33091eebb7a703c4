package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_locks_created_total",
		Help: "Total number of batch locks created.",
	})

	locksConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_locks_confirmed_total",
		Help: "Total number of batch locks consumed by confirmation.",
	})

	locksReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_locks_released_total",
		Help: "Total number of batch locks released before expiry.",
	})

	lockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_lock_conflicts_total",
		Help: "Total number of transient storage conflicts, by operation.",
	}, []string{"operation"})

	allocationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_allocation_failures_total",
		Help: "Total number of allocation and lock attempts that could not be satisfied, by reason.",
	}, []string{"operation", "reason"})
)
