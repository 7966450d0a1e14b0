package presentation

import (
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// EntityRow is one line of the entity table.
type EntityRow struct {
	Name          string
	Type          string
	Status        domain.Status
	Score         string
	Capabilities  string
	LastHeartbeat string
	ID            string
}

// FromEntity flattens an entity for tabular output. LastHeartbeat is shown
// relative to now.
func FromEntity(e *domain.Entity, now time.Time) EntityRow {
	hb := "never"
	if e.LastHeartbeatAt != nil {
		hb = now.Sub(*e.LastHeartbeatAt).Truncate(time.Second).String() + " ago"
	}
	return EntityRow{
		Name:          e.Name,
		Type:          string(e.Type),
		Status:        e.Status,
		Score:         strconv.Itoa(e.HealthScore),
		Capabilities:  strings.Join(e.Capabilities, ","),
		LastHeartbeat: hb,
		ID:            string(e.ID),
	}
}

// SummaryRow is the per-type line of the summary table, with one count per
// status in domain.Statuses order.
type SummaryRow struct {
	Type   string
	Counts []int
	Total  int
}

// FromSummary returns one row per entity type plus a trailing "all" row.
// Total excludes deregistered entities.
func FromSummary(s discovery.Summary) []SummaryRow {
	rows := make([]SummaryRow, 0, len(domain.EntityTypes)+1)
	for _, t := range domain.EntityTypes {
		row := SummaryRow{Type: string(t), Counts: make([]int, len(domain.Statuses))}
		for i, st := range domain.Statuses {
			n := s.Count(t, st)
			row.Counts[i] = n
			if st != domain.StatusDeregistered {
				row.Total += n
			}
		}
		rows = append(rows, row)
	}

	all := SummaryRow{Type: "all", Counts: make([]int, len(domain.Statuses)), Total: s.Total}
	for i, st := range domain.Statuses {
		all.Counts[i] = s.ByStatus[st]
	}
	return append(rows, all)
}
