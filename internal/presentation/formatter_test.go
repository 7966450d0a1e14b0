package presentation

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/discovery"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSummary() discovery.Summary {
	byType := map[domain.EntityType]map[domain.Status]int{}
	for _, t := range domain.EntityTypes {
		byType[t] = map[domain.Status]int{}
	}
	byType[domain.TypeAgent][domain.StatusOnline] = 3
	byType[domain.TypeAgent][domain.StatusOffline] = 1
	byType[domain.TypeAgent][domain.StatusDeregistered] = 2
	byType[domain.TypeServer][domain.StatusDegraded] = 1
	return discovery.Summary{
		GeneratedAt: now,
		Total:       5,
		ByStatus: map[domain.Status]int{
			domain.StatusOnline:       3,
			domain.StatusOffline:      1,
			domain.StatusDegraded:     1,
			domain.StatusDeregistered: 2,
		},
		ByType: byType,
	}
}

func TestFromSummary(t *testing.T) {
	rows := FromSummary(sampleSummary())
	require.Len(t, rows, len(domain.EntityTypes)+1)

	agent := rows[0]
	require.Equal(t, "agent", agent.Type)
	require.Equal(t, []int{0, 3, 0, 1, 2}, agent.Counts)
	require.Equal(t, 4, agent.Total, "deregistered entities are not counted")

	all := rows[len(rows)-1]
	require.Equal(t, "all", all.Type)
	require.Equal(t, 5, all.Total)
	require.Equal(t, []int{0, 3, 1, 1, 2}, all.Counts)
}

func TestFromEntity(t *testing.T) {
	hb := now.Add(-90 * time.Second)
	row := FromEntity(&domain.Entity{
		ID:              "e-1",
		Type:            domain.TypeAgent,
		Name:            "analyst",
		Capabilities:    []string{"analysis", "search"},
		Status:          domain.StatusOnline,
		HealthScore:     97,
		LastHeartbeatAt: &hb,
	}, now)
	require.Equal(t, "analysis,search", row.Capabilities)
	require.Equal(t, "97", row.Score)
	require.Equal(t, "1m30s ago", row.LastHeartbeat)

	require.Equal(t, "never", FromEntity(&domain.Entity{}, now).LastHeartbeat)
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).FormatSummary(sampleSummary()))

	out := buf.String()
	for _, want := range []string{"TYPE", "ONLINE", "DEREGISTERED", "TOTAL", "agent", "server", "all", "2026-03-01T12:00:00Z"} {
		require.Contains(t, out, want)
	}
	require.NotContains(t, out, "stale")
}

func TestFormatEntities(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(&buf)
	require.NoError(t, f.FormatEntities(nil, now))
	require.Contains(t, buf.String(), "no entities")

	buf.Reset()
	require.NoError(t, f.FormatEntities([]*domain.Entity{
		{ID: "e-1", Type: domain.TypeDatabase, Name: "postgres", Status: domain.StatusOffline},
		{ID: "e-2", Type: domain.TypeAgent, Name: "analyst-with-long-name", Status: domain.StatusOnline},
	}, now))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "postgres")
	require.Contains(t, lines[2], "analyst-with-long-name")
}

func TestFormatJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(&buf).FormatJSON(map[string]int{"version": 3}))
	require.Contains(t, buf.String(), "\n  \"version\": 3")

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, 3, decoded["version"])

	buf.Reset()
	require.NoError(t, NewFormatter(&buf).FormatJSONLine(map[string]int{"a": 1}))
	require.Equal(t, "{\"a\":1}\n", buf.String())
}
