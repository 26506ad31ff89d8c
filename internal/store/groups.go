package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/netdef/bambridge/internal/cfg"
	"github.com/netdef/bambridge/internal/cierr"
)

// SeedGroups upserts groups and their member logins from the
// configuration file. Members removed from the config keep their row but
// lose the group association on the next seed of another group claiming
// them.
func (s *Store) SeedGroups(ctx context.Context, groups []cfg.Group) error {
	const groupQuery = `
		INSERT INTO groups (name, rerun_allowed, max_rerun_per_pull_request)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			rerun_allowed = excluded.rerun_allowed,
			max_rerun_per_pull_request = excluded.max_rerun_per_pull_request
	`

	const memberQuery = `
		INSERT INTO github_users (login, group_id)
		VALUES (?, (SELECT id FROM groups WHERE name = ?))
		ON CONFLICT (login) DO UPDATE SET
			group_id = (SELECT id FROM groups WHERE name = ?)
	`

	for _, g := range groups {
		if _, err := s.db.Writer.ExecContext(ctx, groupQuery, g.Name, g.RerunAllowed, g.MaxRerunPerPullRequest); err != nil {
			return fmt.Errorf("seed group %q: %w", g.Name, err)
		}

		for _, login := range g.Members {
			if _, err := s.db.Writer.ExecContext(ctx, memberQuery, login, g.Name, g.Name); err != nil {
				return fmt.Errorf("seed group member %q: %w", login, err)
			}
		}
	}

	return nil
}

// FeatureForLogin returns the re-run feature policy of the group the
// GitHub login belongs to. Unknown logins get cierr.ErrNotFound.
func (s *Store) FeatureForLogin(ctx context.Context, login string) (*Group, error) {
	const query = `
		SELECT g.id, g.name, g.rerun_allowed, g.max_rerun_per_pull_request
		FROM github_users u
		JOIN groups g ON g.id = u.group_id
		WHERE u.login = ?
	`

	var g Group
	err := s.db.Reader.QueryRowContext(ctx, query, login).Scan(
		&g.ID, &g.Name, &g.RerunAllowed, &g.MaxRerunPerPullRequest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no group for login %q: %w", login, cierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query group for login %q: %w", login, err)
	}

	return &g, nil
}

// UpsertGithubUser records a GitHub identity, keeping an existing group
// association.
func (s *Store) UpsertGithubUser(ctx context.Context, u *GithubUser) error {
	const query = `
		INSERT INTO github_users (login, user_type, group_id)
		VALUES (?, ?, ?)
		ON CONFLICT (login) DO UPDATE SET user_type = excluded.user_type
	`

	if _, err := s.db.Writer.ExecContext(ctx, query, u.Login, u.UserType, nullableID(u.GroupID)); err != nil {
		return fmt.Errorf("upsert github user %q: %w", u.Login, err)
	}

	return nil
}
