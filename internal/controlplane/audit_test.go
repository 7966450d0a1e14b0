package controlplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

func TestLineDiff(t *testing.T) {
	require.Empty(t, lineDiff("a\nb\n", "a\nb\n"))
	require.Equal(t, "- b\n+ c\n", lineDiff("a\nb\n", "a\nc\n"))
	require.Equal(t, "+ a\n", lineDiff("", "a\n"))
}

func TestSnapshotDiff_Register(t *testing.T) {
	e := &domain.Entity{ID: "e1", Type: domain.TypeAgent, Name: "a", Status: domain.StatusStarting}
	diff := snapshotDiff(nil, e)
	require.Contains(t, diff, `+ "name": "a",`)
	require.NotContains(t, diff, "- ")
}

func TestActorFrom(t *testing.T) {
	require.Equal(t, domain.SystemActor, ActorFrom(context.Background()))
	require.Equal(t, domain.SystemActor, ActorFrom(WithActor(context.Background(), "")))
	require.Equal(t, "ops", ActorFrom(WithActor(context.Background(), "ops")))
}
