package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdef/bambridge/internal/cfg"
	"github.com/netdef/bambridge/internal/cierr"
)

func TestSeedGroupsAndFeatureForLogin(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	groups := []cfg.Group{
		{
			Name:                   "maintainers",
			RerunAllowed:           true,
			MaxRerunPerPullRequest: 5,
			Members:                []string{"alice", "bob"},
		},
		{
			Name:    "guests",
			Members: []string{"mallory"},
		},
	}
	require.NoError(t, s.SeedGroups(ctx, groups))

	feature, err := s.FeatureForLogin(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, feature.RerunAllowed)
	assert.Equal(t, 5, feature.MaxRerunPerPullRequest)

	feature, err = s.FeatureForLogin(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, feature.RerunAllowed)

	_, err = s.FeatureForLogin(ctx, "nobody")
	require.ErrorIs(t, err, cierr.ErrNotFound)
}

func TestSeedGroupsReassignsMembers(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.SeedGroups(ctx, []cfg.Group{
		{Name: "guests", Members: []string{"alice"}},
	}))
	require.NoError(t, s.SeedGroups(ctx, []cfg.Group{
		{Name: "maintainers", RerunAllowed: true, Members: []string{"alice"}},
	}))

	feature, err := s.FeatureForLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "maintainers", feature.Name)
	assert.True(t, feature.RerunAllowed)
}

func TestUpsertGithubUserKeepsGroupAssociation(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.SeedGroups(ctx, []cfg.Group{
		{Name: "maintainers", RerunAllowed: true, Members: []string{"alice"}},
	}))

	require.NoError(t, s.UpsertGithubUser(ctx, &GithubUser{Login: "alice", UserType: "User"}))

	feature, err := s.FeatureForLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "maintainers", feature.Name)
}
