package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	pkgerrors "github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/task"
)

type iterationRepo struct {
	db *Database
}

func NewIterationRepository(db *Database) IterationRepository {
	return &iterationRepo{db: db}
}

type dbIteration struct {
	Population          string         `db:"population"`
	TaskID              int64          `db:"task_id"`
	IterationID         int64          `db:"iteration_id"`
	ResultID            int64          `db:"result_id"`
	Status              uint8          `db:"status"`
	ReportGoal          int            `db:"report_goal"`
	MaxAggregationSize  int            `db:"max_aggregation_size"`
	Contributions       int            `db:"contributions"`
	Plan                sql.NullString `db:"plan"`
	Checkpoint          sql.NullString `db:"checkpoint"`
	GradientPrefix      sql.NullString `db:"gradient_prefix"`
	AggregatedGradient  sql.NullString `db:"aggregated_gradient"`
	NewCheckpoint       sql.NullString `db:"new_checkpoint"`
	NewClientCheckpoint sql.NullString `db:"new_client_checkpoint"`
	Metrics             sql.NullString `db:"metrics_location"`
	Batches             []byte         `db:"batches"`
	CollectionDeadline  sql.NullTime   `db:"collection_deadline"`
	Deadline            sql.NullTime   `db:"deadline"`
	ErrorReason         sql.NullString `db:"error_reason"`
	MetricsRecorded     bool           `db:"metrics_recorded"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

const iterationColumns = `population, task_id, iteration_id, result_id, status, report_goal,
	max_aggregation_size, contributions, plan, checkpoint, gradient_prefix, aggregated_gradient,
	new_checkpoint, new_client_checkpoint, metrics_location, batches, collection_deadline, deadline,
	error_reason, metrics_recorded, created_at, updated_at`

const iterationOrder = ` ORDER BY population, task_id, iteration_id, result_id`

func (r *iterationRepo) Create(ctx context.Context, it task.Iteration) error {
	batches, err := r.batches(it)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	query := r.db.Rebind(`INSERT INTO iterations (` + iterationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (population, task_id, iteration_id, result_id) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, query,
		it.Population, it.TaskID, it.IterationID, it.ResultID, uint8(it.Status),
		it.ReportGoal, it.MaxAggregationSize, it.Contributions,
		location(it.Plan),
		location(it.Checkpoint),
		location(it.GradientPrefix),
		location(it.AggregatedGradient),
		location(it.NewCheckpoint),
		location(it.NewClientCheckpoint),
		location(it.Metrics),
		batches,
		nullTime(it.CollectionDeadline),
		nullTime(it.Deadline),
		nullString(it.ErrorReason),
		it.MetricsRecorded,
		it.CreatedAt.UTC(), it.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	if n == 0 {
		return pkgerrors.ErrEntityExists
	}

	return nil
}

func (r *iterationRepo) Get(ctx context.Context, key task.IterationKey) (task.Iteration, error) {
	query := r.db.Rebind(`SELECT ` + iterationColumns + ` FROM iterations
		WHERE population = ? AND task_id = ? AND iteration_id = ? AND result_id = ?`)

	var dbi dbIteration
	if err := r.db.GetContext(ctx, &dbi, query, key.Population, key.TaskID, key.IterationID, key.ResultID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Iteration{}, pkgerrors.ErrNotFound
		}

		return task.Iteration{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return toIteration(dbi)
}

func (r *iterationRepo) Update(ctx context.Context, from task.IterationStatus, it task.Iteration) (bool, error) {
	batches, err := r.batches(it)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	query := r.db.Rebind(`UPDATE iterations SET
		status = ?, report_goal = ?, max_aggregation_size = ?, contributions = ?, plan = ?, checkpoint = ?,
		gradient_prefix = ?, aggregated_gradient = ?, new_checkpoint = ?, new_client_checkpoint = ?,
		metrics_location = ?, batches = ?, collection_deadline = ?, deadline = ?, error_reason = ?,
		metrics_recorded = ?, updated_at = ?
		WHERE population = ? AND task_id = ? AND iteration_id = ? AND result_id = ? AND status = ?`)

	res, err := r.db.ExecContext(ctx, query,
		uint8(it.Status), it.ReportGoal, it.MaxAggregationSize, it.Contributions,
		location(it.Plan),
		location(it.Checkpoint),
		location(it.GradientPrefix),
		location(it.AggregatedGradient),
		location(it.NewCheckpoint),
		location(it.NewClientCheckpoint),
		location(it.Metrics),
		batches,
		nullTime(it.CollectionDeadline),
		nullTime(it.Deadline),
		nullString(it.ErrorReason),
		it.MetricsRecorded,
		it.UpdatedAt.UTC(),
		it.Population, it.TaskID, it.IterationID, it.ResultID, uint8(from),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, it.Key()); err != nil {
		return false, err
	}

	return false, nil
}

func (r *iterationRepo) ListByStatus(ctx context.Context, statuses ...task.IterationStatus) ([]task.Iteration, error) {
	if len(statuses) == 0 {
		return []task.Iteration{}, nil
	}
	in, args := inClause(statuses)
	query := r.db.Rebind(`SELECT ` + iterationColumns + ` FROM iterations WHERE status IN ` + in + iterationOrder)

	return r.query(ctx, query, args...)
}

func (r *iterationRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.Iteration, error) {
	query := r.db.Rebind(`SELECT ` + iterationColumns + ` FROM iterations WHERE population = ? AND task_id = ?` + iterationOrder)

	return r.query(ctx, query, key.Population, key.TaskID)
}

func (r *iterationRepo) Last(ctx context.Context, key task.TaskKey) (task.Iteration, error) {
	query := r.db.Rebind(`SELECT ` + iterationColumns + ` FROM iterations WHERE population = ? AND task_id = ?
		ORDER BY iteration_id DESC, result_id DESC LIMIT 1`)

	var dbi dbIteration
	if err := r.db.GetContext(ctx, &dbi, query, key.Population, key.TaskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Iteration{}, pkgerrors.ErrNotFound
		}

		return task.Iteration{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return toIteration(dbi)
}

func (r *iterationRepo) query(ctx context.Context, query string, args ...any) ([]task.Iteration, error) {
	var rows []dbIteration
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	its := make([]task.Iteration, 0, len(rows))
	for _, row := range rows {
		it, err := toIteration(row)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}

	return its, nil
}

func (r *iterationRepo) batches(it task.Iteration) ([]byte, error) {
	if len(it.Batches) == 0 {
		return nil, nil
	}

	return jsonBytes(it.Batches)
}

func toIteration(dbi dbIteration) (task.Iteration, error) {
	it := task.Iteration{
		Population:         dbi.Population,
		TaskID:             dbi.TaskID,
		IterationID:        dbi.IterationID,
		ResultID:           dbi.ResultID,
		Status:             task.IterationStatus(dbi.Status),
		ReportGoal:         dbi.ReportGoal,
		MaxAggregationSize: dbi.MaxAggregationSize,
		Contributions:      dbi.Contributions,
		CollectionDeadline: fromNullTime(dbi.CollectionDeadline),
		Deadline:           fromNullTime(dbi.Deadline),
		ErrorReason:        fromNullString(dbi.ErrorReason),
		MetricsRecorded:    dbi.MetricsRecorded,
		CreatedAt:          dbi.CreatedAt.UTC(),
		UpdatedAt:          dbi.UpdatedAt.UTC(),
	}

	locations := []struct {
		src sql.NullString
		dst *blob.Location
	}{
		{dbi.Plan, &it.Plan},
		{dbi.Checkpoint, &it.Checkpoint},
		{dbi.GradientPrefix, &it.GradientPrefix},
		{dbi.AggregatedGradient, &it.AggregatedGradient},
		{dbi.NewCheckpoint, &it.NewCheckpoint},
		{dbi.NewClientCheckpoint, &it.NewClientCheckpoint},
		{dbi.Metrics, &it.Metrics},
	}
	for _, l := range locations {
		loc, err := parseLocation(l.src)
		if err != nil {
			return task.Iteration{}, fmt.Errorf("%w: %w", ErrDBScan, err)
		}
		*l.dst = loc
	}

	if err := jsonUnmarshal(dbi.Batches, &it.Batches); err != nil {
		return task.Iteration{}, fmt.Errorf("%w: %w", ErrDBScan, err)
	}

	return it, nil
}
