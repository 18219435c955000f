package persist

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Saves          *prometheus.CounterVec
	SaveDuration   prometheus.Histogram
	ModulesWritten prometheus.Counter
	Loads          *prometheus.CounterVec
	Backups        *prometheus.CounterVec
	WALRecoveries  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A collector
// already registered on reg is reused, so several engines can share one
// registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotstate_saves_total",
			Help: "Save attempts by result.",
		}, []string{"result"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dotstate_save_duration_seconds",
			Help:    "Wall time of successful saves.",
			Buckets: prometheus.DefBuckets,
		}),
		ModulesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dotstate_modules_written_total",
			Help: "Incremental module writes committed.",
		}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotstate_loads_total",
			Help: "Loads by the source that supplied the state.",
		}, []string{"source"}),
		Backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotstate_backups_total",
			Help: "Backup rotations by result.",
		}, []string{"result"}),
		WALRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dotstate_wal_recoveries_total",
			Help: "Startup write-ahead log inspections by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.Saves, err = register(reg, m.Saves); err != nil {
		return nil, err
	}
	if m.SaveDuration, err = register(reg, m.SaveDuration); err != nil {
		return nil, err
	}
	if m.ModulesWritten, err = register(reg, m.ModulesWritten); err != nil {
		return nil, err
	}
	if m.Loads, err = register(reg, m.Loads); err != nil {
		return nil, err
	}
	if m.Backups, err = register(reg, m.Backups); err != nil {
		return nil, err
	}
	if m.WALRecoveries, err = register(reg, m.WALRecoveries); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
