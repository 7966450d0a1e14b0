package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_DeregisteredIsTerminal(t *testing.T) {
	require.True(t, StatusDeregistered.IsTerminal())
	for _, s := range Statuses {
		require.False(t, StatusDeregistered.CanTransitionTo(s), "deregistered -> %s", s)
	}
}

func TestStatus_NothingReturnsToStarting(t *testing.T) {
	for _, s := range Statuses {
		if s == StatusStarting {
			continue
		}
		require.False(t, s.CanTransitionTo(StatusStarting), "%s -> starting", s)
	}
}

func TestStatus_OfflineCanRecover(t *testing.T) {
	require.True(t, StatusOffline.CanTransitionTo(StatusOnline))
	require.True(t, StatusOffline.CanTransitionTo(StatusDegraded))
}

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType("Server")
	require.NoError(t, err)
	require.Equal(t, TypeServer, got)

	_, err = ParseEntityType("toaster")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseCriticality(t *testing.T) {
	c, err := ParseCriticality(" HARD ")
	require.NoError(t, err)
	require.Equal(t, CriticalityHard, c)

	_, err = ParseCriticality("medium")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEntityID_IsValid(t *testing.T) {
	require.True(t, NewEntityID().IsValid())
	require.False(t, EntityID("").IsValid())
	require.False(t, EntityID("not-a-uuid").IsValid())
}
