package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netdef/bambridge/internal/cierr"
)

const stageColumns = `
	id, check_suite_id, name, display_name, position, mandatory, can_retry,
	start_in_progress, status, check_ref, execution_time_ms
`

// SeedStageConfigurations upserts the static stage templates. They are
// effectively immutable at runtime, re-seeding on startup is idempotent.
func (s *Store) SeedStageConfigurations(ctx context.Context, configs []StageConfiguration) error {
	const query = `
		INSERT INTO stage_configurations (name, display_name, position, mandatory, can_retry, start_in_progress)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name,
			position = excluded.position,
			mandatory = excluded.mandatory,
			can_retry = excluded.can_retry,
			start_in_progress = excluded.start_in_progress
	`

	for _, c := range configs {
		if _, err := s.db.Writer.ExecContext(ctx, query,
			c.Name, c.DisplayName, c.Position, c.Mandatory, c.CanRetry, c.StartInProgress,
		); err != nil {
			return fmt.Errorf("seed stage configuration %q: %w", c.Name, err)
		}
	}

	return nil
}

// StageConfigurations returns all stage templates ordered by position.
func (s *Store) StageConfigurations(ctx context.Context) ([]StageConfiguration, error) {
	const query = `
		SELECT id, name, display_name, position, mandatory, can_retry, start_in_progress
		FROM stage_configurations
		ORDER BY position, id
	`

	rows, err := s.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query stage configurations: %w", err)
	}
	defer rows.Close()

	var result []StageConfiguration
	for rows.Next() {
		var c StageConfiguration
		if err := rows.Scan(&c.ID, &c.Name, &c.DisplayName, &c.Position, &c.Mandatory, &c.CanRetry, &c.StartInProgress); err != nil {
			return nil, fmt.Errorf("scan stage configuration: %w", err)
		}
		result = append(result, c)
	}

	return result, rows.Err()
}

// CreateStage persists st and fills in its ID.
func (s *Store) CreateStage(ctx context.Context, st *Stage) error {
	const query = `
		INSERT INTO stages (
			check_suite_id, name, display_name, position, mandatory,
			can_retry, start_in_progress, status, check_ref, execution_time_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	res, err := s.db.Writer.ExecContext(ctx, query,
		st.CheckSuiteID, st.Name, st.DisplayName, st.Position, st.Mandatory,
		st.CanRetry, st.StartInProgress, st.Status, st.CheckRef,
	)
	if err != nil {
		return fmt.Errorf("insert stage %q: %w", st.Name, err)
	}

	st.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("stage insert id: %w", err)
	}

	return nil
}

// StageByID returns the stage with the given id.
func (s *Store) StageByID(ctx context.Context, id int64) (*Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE id = ?`

	return scanStage(s.db.Reader.QueryRowContext(ctx, query, id))
}

// StageByCheckRef resolves a stage by its GitHub check-run id.
func (s *Store) StageByCheckRef(ctx context.Context, checkRef int64) (*Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE check_ref = ? ORDER BY id DESC LIMIT 1`

	return scanStage(s.db.Reader.QueryRowContext(ctx, query, checkRef))
}

// StageByDisplayName returns the stage of the suite with the given
// GitHub display name.
func (s *Store) StageByDisplayName(ctx context.Context, suiteID int64, displayName string) (*Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE check_suite_id = ? AND display_name = ? LIMIT 1`

	return scanStage(s.db.Reader.QueryRowContext(ctx, query, suiteID, displayName))
}

// StagesForSuite returns all stages of the suite ordered by pipeline
// position.
func (s *Store) StagesForSuite(ctx context.Context, suiteID int64) ([]*Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE check_suite_id = ? ORDER BY position, id`

	rows, err := s.db.Reader.QueryContext(ctx, query, suiteID)
	if err != nil {
		return nil, fmt.Errorf("query stages for check suite %d: %w", suiteID, err)
	}
	defer rows.Close()

	var result []*Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}

	return result, rows.Err()
}

// SetStageStatus updates the stage status and reports whether the row
// changed. Re-applying the current status is a no-op, callers rely on
// this to avoid duplicate notifications and check-run updates.
func (s *Store) SetStageStatus(ctx context.Context, stageID int64, status Status) (bool, error) {
	const query = `UPDATE stages SET status = ? WHERE id = ? AND status != ?`

	res, err := s.db.Writer.ExecContext(ctx, query, status, stageID, status)
	if err != nil {
		return false, fmt.Errorf("set status of stage %d: %w", stageID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// SetStageCheckRef stores the GitHub check-run id of the stage.
func (s *Store) SetStageCheckRef(ctx context.Context, stageID, checkRef int64) error {
	const query = `UPDATE stages SET check_ref = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, checkRef, stageID); err != nil {
		return fmt.Errorf("set check ref of stage %d: %w", stageID, err)
	}

	return nil
}

// SetStageExecutionTime records the measured stage duration.
func (s *Store) SetStageExecutionTime(ctx context.Context, stageID int64, d time.Duration) error {
	const query = `UPDATE stages SET execution_time_ms = ? WHERE id = ?`

	if _, err := s.db.Writer.ExecContext(ctx, query, d.Milliseconds(), stageID); err != nil {
		return fmt.Errorf("set execution time of stage %d: %w", stageID, err)
	}

	return nil
}

func scanStage(row scanner) (*Stage, error) {
	var st Stage
	var execMs int64

	err := row.Scan(
		&st.ID, &st.CheckSuiteID, &st.Name, &st.DisplayName, &st.Position,
		&st.Mandatory, &st.CanRetry, &st.StartInProgress, &st.Status,
		&st.CheckRef, &execMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage: %w", cierr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage: %w", err)
	}

	st.ExecutionTime = time.Duration(execMs) * time.Millisecond

	return &st, nil
}
