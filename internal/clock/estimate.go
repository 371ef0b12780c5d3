package clock

import (
	"time"

	"github.com/user/pushrelay/internal/config"
)

// Policy controls sampling cadence, outlier rejection and smoothing.
type Policy struct {
	Period     time.Duration
	Outlier    time.Duration
	BlipFactor float64
	Smoothing  float64
}

// PolicyFromConfig reads the sync settings.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Period:     cfg.SyncFrequency(),
		Outlier:    time.Duration(cfg.Sync.NetworkOutlierMS) * time.Millisecond,
		BlipFactor: cfg.Sync.BlipFactor,
		Smoothing:  cfg.Sync.Smoothing,
	}
}

// Estimate is the smoothed view of the authoritative clock. Offset is in
// milliseconds and is added to local time to get authoritative time.
type Estimate struct {
	Offset       float64 `json:"offset"`
	Latency      float64 `json:"latency"`
	Observations int     `json:"observations"`
}

// Accepts reports whether a round trip of latency ms passes the outlier
// ceiling and, once a latency is known, the blip factor.
func (e Estimate) Accepts(latency int64, p Policy) bool {
	l := float64(latency)
	if l >= float64(p.Outlier.Milliseconds()) {
		return false
	}
	if e.Latency != 0 && l >= e.Latency*p.BlipFactor {
		return false
	}
	return true
}

// Observe folds one round trip into the estimate and reports whether it was
// accepted. The first accepted sample only bumps Observations; the second
// seeds Latency and Offset directly; later ones are averaged with
// p.Smoothing.
func (e *Estimate) Observe(latency, writtenAt, now int64, p Policy) bool {
	if !e.Accepts(latency, p) {
		return false
	}
	if e.Observations > 0 {
		l := float64(latency)
		if e.Observations > 1 {
			e.Latency = l*p.Smoothing + e.Latency*(1-p.Smoothing)
		} else {
			e.Latency = l
		}
		offBy := float64(writtenAt-now) - e.Latency/2
		if e.Observations > 1 {
			e.Offset = offBy*p.Smoothing + e.Offset*(1-p.Smoothing)
		} else {
			e.Offset = offBy
		}
	}
	e.Observations++
	return true
}
