package domain

import (
	"math"
	"time"
)

// HealthPolicy turns heartbeat recency and dependency state into a
// (status, score) pair.
type HealthPolicy struct {
	// DegradedAfter is the elapsed/interval ratio past which an entity is degraded.
	DegradedAfter float64
	// OfflineAfter is the ratio past which an entity times out. The raw score
	// decays linearly from 100 at 0 to 0 at this ratio.
	OfflineAfter float64
	// HardPenalty is subtracted for each offline hard dependency.
	HardPenalty int
	// SoftPenalty is subtracted for each offline soft dependency.
	SoftPenalty int
	// MinScoreDelta is the smallest score change worth a write and an event.
	MinScoreDelta int
}

// DefaultHealthPolicy returns the standard thresholds.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		DegradedAfter: 2,
		OfflineAfter:  3,
		HardPenalty:   25,
		SoftPenalty:   10,
		MinScoreDelta: 5,
	}
}

// DependencyHealth is the current status of one dependency of an entity.
type DependencyHealth struct {
	DependencyID EntityID
	Criticality  Criticality
	Status       Status
}

// Assessment is the computed health of an entity.
type Assessment struct {
	Status   Status
	Score    int
	RawScore int
	// TimedOut is set when the liveness clock exceeded OfflineAfter intervals.
	TimedOut bool
	// CappedBy lists offline hard dependencies that held the status at degraded.
	CappedBy []EntityID
}

// RawScore is the recency score: 100 at zero elapsed, 0 at OfflineAfter intervals.
func (p HealthPolicy) RawScore(elapsed, interval time.Duration) int {
	if interval <= 0 || p.OfflineAfter <= 0 {
		return 0
	}
	if elapsed <= 0 {
		return 100
	}
	ratio := float64(elapsed) / float64(interval)
	score := 100 * (1 - ratio/p.OfflineAfter)
	return clampScore(int(math.Round(score)))
}

// Assess computes the health of e at now given its dependencies.
// Entities that never heartbeated keep their starting state until they time out.
func (p HealthPolicy) Assess(e *Entity, now time.Time, deps []DependencyHealth) Assessment {
	interval := e.Interval()
	elapsed := now.Sub(e.LivenessReference())
	ratio := float64(elapsed) / float64(interval)
	raw := p.RawScore(elapsed, interval)

	a := Assessment{RawScore: raw, TimedOut: ratio > p.OfflineAfter}

	if e.LastHeartbeatAt == nil {
		if a.TimedOut {
			a.Status, a.Score = StatusOffline, 0
		} else {
			a.Status, a.Score = e.Status, e.HealthScore
		}
		return a
	}

	switch {
	case a.TimedOut:
		a.Status = StatusOffline
	case ratio > p.DegradedAfter:
		a.Status = StatusDegraded
	default:
		a.Status = StatusOnline
	}
	a.Score = raw

	for _, d := range deps {
		if d.Status != StatusOffline {
			continue
		}
		switch d.Criticality {
		case CriticalityHard:
			a.Score -= p.HardPenalty
			a.CappedBy = append(a.CappedBy, d.DependencyID)
			if a.Status == StatusOnline {
				a.Status = StatusDegraded
			}
		case CriticalitySoft:
			a.Score -= p.SoftPenalty
		}
	}
	if a.Status == StatusOffline {
		a.Score = 0
	}
	a.Score = clampScore(a.Score)
	return a
}

// Material reports whether moving from (prevStatus, prevScore) to
// (status, score) is worth a write and a health_changed event.
func (p HealthPolicy) Material(prevStatus Status, prevScore int, status Status, score int) bool {
	if prevStatus != status {
		return true
	}
	delta := score - prevScore
	if delta < 0 {
		delta = -delta
	}
	return delta >= p.MinScoreDelta && delta > 0
}

func clampScore(s int) int {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	default:
		return s
	}
}
