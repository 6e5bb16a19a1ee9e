package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clerkhq/clerk/internal/model"
)

// CreateRun inserts a new execution run in the running state.
func (db *DB) CreateRun(ctx context.Context, versionID uuid.UUID, mode model.StorageMode, label *string) (model.ExecutionRun, error) {
	var run model.ExecutionRun
	err := db.pool.QueryRow(ctx, `
		INSERT INTO execution_runs (version_id, storage_mode, status, label)
		VALUES ($1, $2, 'running', $3)
		RETURNING id, version_id, storage_mode, status, label, started_at, completed_at, error_message
	`, versionID, mode, label).Scan(&run.ID, &run.VersionID, &run.StorageMode, &run.Status,
		&run.Label, &run.StartedAt, &run.CompletedAt, &run.ErrorMessage)
	if err != nil {
		return model.ExecutionRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun returns a single execution run by id.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (model.ExecutionRun, error) {
	var run model.ExecutionRun
	err := db.pool.QueryRow(ctx, `
		SELECT id, version_id, storage_mode, status, label, started_at, completed_at, error_message
		FROM execution_runs
		WHERE id = $1
	`, runID).Scan(&run.ID, &run.VersionID, &run.StorageMode, &run.Status,
		&run.Label, &run.StartedAt, &run.CompletedAt, &run.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ExecutionRun{}, ErrNotFound
	}
	if err != nil {
		return model.ExecutionRun{}, fmt.Errorf("storage: get run %s: %w", runID, err)
	}
	return run, nil
}

// SetRunStatus transitions a run to the given status. Terminal statuses
// (completed, failed) also stamp completed_at; failed runs may carry an
// error message.
func (db *DB) SetRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, errMsg *string) error {
	var tag string
	var err error
	switch status {
	case model.RunStatusCompleted, model.RunStatusFailed:
		_, err = db.pool.Exec(ctx, `
			UPDATE execution_runs
			SET status = $2, completed_at = now(), error_message = $3
			WHERE id = $1
		`, runID, status, errMsg)
		tag = "finish"
	default:
		_, err = db.pool.Exec(ctx, `
			UPDATE execution_runs SET status = $2 WHERE id = $1
		`, runID, status)
		tag = "update"
	}
	if err != nil {
		return fmt.Errorf("storage: %s run %s: %w", tag, runID, err)
	}
	return nil
}

// RecordStep persists a completed workflow step, applying the run's
// storage mode. Transparent runs keep the full input and output text;
// anonymous runs store only character counts.
func (db *DB) RecordStep(ctx context.Context, runID uuid.UUID, mode model.StorageMode, rec model.StepRecord) (model.StepExecution, error) {
	var input, output *string
	if mode == model.StorageTransparent {
		input, output = &rec.Input, &rec.Output
	}

	var se model.StepExecution
	err := db.pool.QueryRow(ctx, `
		INSERT INTO step_executions
			(run_id, step_number, input_text, input_char_count, output_text, output_char_count,
			 model_used, tokens_used, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, run_id, step_number, input_text, input_char_count, output_text,
			output_char_count, evaluation_score, COALESCE(model_used, ''), tokens_used,
			COALESCE(latency_ms, 0), executed_at
	`, runID, rec.StepNumber, input, len(rec.Input), output, len(rec.Output),
		rec.ModelUsed, rec.TokensUsed, rec.LatencyMS,
	).Scan(&se.ID, &se.RunID, &se.StepNumber, &se.InputText, &se.InputCharCount,
		&se.OutputText, &se.OutputCharCount, &se.EvaluationScore, &se.ModelUsed,
		&se.TokensUsed, &se.LatencyMS, &se.ExecutedAt)
	if err != nil {
		return model.StepExecution{}, fmt.Errorf("storage: record step %d for run %s: %w", rec.StepNumber, runID, err)
	}
	return se, nil
}

// SetStepScore records a human evaluation score for a persisted step.
func (db *DB) SetStepScore(ctx context.Context, runID uuid.UUID, stepNumber, score int) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE step_executions SET evaluation_score = $3
		WHERE run_id = $1 AND step_number = $2
	`, runID, stepNumber, score)
	if err != nil {
		return fmt.Errorf("storage: set score for run %s step %d: %w", runID, stepNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStepExecutions returns the persisted steps of a run ordered by
// step number.
func (db *DB) ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]model.StepExecution, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, run_id, step_number, input_text, input_char_count, output_text,
			output_char_count, evaluation_score, COALESCE(model_used, ''), tokens_used,
			COALESCE(latency_ms, 0), executed_at
		FROM step_executions
		WHERE run_id = $1
		ORDER BY step_number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []model.StepExecution
	for rows.Next() {
		var se model.StepExecution
		if err := rows.Scan(&se.ID, &se.RunID, &se.StepNumber, &se.InputText, &se.InputCharCount,
			&se.OutputText, &se.OutputCharCount, &se.EvaluationScore, &se.ModelUsed,
			&se.TokensUsed, &se.LatencyMS, &se.ExecutedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step execution: %w", err)
		}
		steps = append(steps, se)
	}
	return steps, rows.Err()
}

// SweepStaleRunning marks every run still in the running state as failed.
// Called once at startup: a run in the running state with no live
// goroutine behind it can only be the residue of a crash.
func (db *DB) SweepStaleRunning(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE execution_runs
		SET status = 'failed', completed_at = now(),
			error_message = 'interrupted by server restart'
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
