package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Pure-Go SQLite driver registered as "sqlite".
	_ "github.com/glebarez/go-sqlite"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const (
	sqlCreateRuns = "CREATE TABLE IF NOT EXISTS dag_runs (id TEXT NOT NULL, dag_id TEXT NOT NULL, logical_date TEXT NOT NULL, state TEXT NOT NULL, record TEXT NOT NULL, PRIMARY KEY (id), UNIQUE (dag_id, logical_date))"
	sqlCreateTasks = "CREATE TABLE IF NOT EXISTS task_instances (run_id TEXT NOT NULL, task_id TEXT NOT NULL, state TEXT NOT NULL, record TEXT NOT NULL, PRIMARY KEY (run_id, task_id))"

	sqlInsertRun    = "INSERT INTO dag_runs (id, dag_id, logical_date, state, record) VALUES (?, ?, ?, ?, ?)"
	sqlInsertTask   = "INSERT INTO task_instances (run_id, task_id, state, record) VALUES (?, ?, ?, ?)"
	sqlSelectRun    = "SELECT record FROM dag_runs WHERE id = ?"
	sqlFindRun      = "SELECT record FROM dag_runs WHERE dag_id = ? AND logical_date = ?"
	sqlCountLogical = "SELECT COUNT(*) FROM dag_runs WHERE dag_id = ? AND logical_date = ?"
	sqlUpdateRun    = "UPDATE dag_runs SET state = ?, record = ? WHERE id = ? AND state = ?"
	sqlDeleteRun    = "DELETE FROM dag_runs WHERE id = ?"
	sqlDeleteTasks  = "DELETE FROM task_instances WHERE run_id = ?"
	sqlSelectTask   = "SELECT record FROM task_instances WHERE run_id = ? AND task_id = ?"
	sqlListTasks    = "SELECT record FROM task_instances WHERE run_id = ? ORDER BY task_id"
	sqlUpdateTask   = "UPDATE task_instances SET state = ?, record = ? WHERE run_id = ? AND task_id = ? AND state = ?"
	sqlCountRun     = "SELECT COUNT(*) FROM dag_runs WHERE id = ?"
)

// SQLStore implements StateStore on a SQL database. Records are stored as JSON
// next to an indexed state column; transitions are conditional UPDATEs on that
// column.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps db and creates the schema if missing.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, stmt := range []string{sqlCreateRuns, sqlCreateTasks} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqlTime(t time.Time) string { return t.UTC().Format(sqlTimeLayout) }

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction and counts the outcome under op.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	defer func() { observeOp(op, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func observeOp(op string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRunExists):
		result = "conflict"
	default:
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, result).Inc()
}

func (s *SQLStore) CreateRun(ctx context.Context, run *types.DAGRun, tasks []*types.TaskInstance) error {
	prepareRun(run, tasks, time.Now().UTC())
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	return s.withTx(ctx, "create_run", func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, sqlCountLogical, run.DAGID, sqlTime(run.LogicalDate)).Scan(&n); err != nil {
			return fmt.Errorf("check logical date: %w", err)
		}
		if n > 0 {
			return ErrRunExists
		}
		if _, err := tx.ExecContext(ctx, sqlInsertRun, run.ID, run.DAGID, sqlTime(run.LogicalDate), string(run.State), string(runJSON)); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrRunExists
			}
			return fmt.Errorf("insert run: %w", err)
		}
		for _, ti := range tasks {
			b, err := json.Marshal(ti)
			if err != nil {
				return fmt.Errorf("marshal task instance: %w", err)
			}
			if _, err := tx.ExecContext(ctx, sqlInsertTask, run.ID, ti.TaskID, string(ti.State), string(b)); err != nil {
				return fmt.Errorf("insert task instance: %w", err)
			}
		}
		return nil
	})
}

func scanRun(ctx context.Context, q rowQuerier, query string, args ...interface{}) (*types.DAGRun, error) {
	var record string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeJSON[types.DAGRun](record)
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*types.DAGRun, error) {
	return scanRun(ctx, s.db, sqlSelectRun, runID)
}

func (s *SQLStore) FindRun(ctx context.Context, dagID string, logicalDate time.Time) (*types.DAGRun, error) {
	return scanRun(ctx, s.db, sqlFindRun, dagID, sqlTime(logicalDate))
}

func (s *SQLStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DAGRun, error) {
	query := "SELECT record FROM dag_runs"
	var (
		conds []string
		args  []interface{}
	)
	if filter != nil && filter.DAGID != "" {
		conds = append(conds, "dag_id = ?")
		args = append(args, filter.DAGID)
	}
	if filter != nil && len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*types.DAGRun{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := decodeJSON[types.DAGRun](record)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	sortRuns(runs)
	return limitRuns(runs, filter), nil
}

func (s *SQLStore) TransitionRun(ctx context.Context, runID string, from []types.RunState, to types.RunState, mutate func(*types.DAGRun)) (*types.DAGRun, error) {
	var result *types.DAGRun
	err := s.withTx(ctx, "transition_run", func(tx *sql.Tx) error {
		run, err := scanRun(ctx, tx, sqlSelectRun, runID)
		if err != nil {
			return err
		}
		prev := run.State
		if err := applyRunTransition(run, from, to, mutate, time.Now().UTC()); err != nil {
			return err
		}
		b, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlUpdateRun, string(to), string(b), runID, string(prev))
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: run %s", ErrStateConflict, runID)
		}
		result = run
		return nil
	})
	return result, err
}

func (s *SQLStore) DeleteRun(ctx context.Context, runID string) error {
	return s.withTx(ctx, "delete_run", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteRun, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrRunNotFound
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteTasks, runID); err != nil {
			return fmt.Errorf("delete task instances: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) scanTask(ctx context.Context, q rowQuerier, runID, taskID string) (*types.TaskInstance, error) {
	var record string
	if err := q.QueryRowContext(ctx, sqlSelectTask, runID, taskID).Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var n int
			if err := q.QueryRowContext(ctx, sqlCountRun, runID).Scan(&n); err == nil && n == 0 {
				return nil, ErrRunNotFound
			}
			return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, taskID)
		}
		return nil, fmt.Errorf("get task instance: %w", err)
	}
	return decodeJSON[types.TaskInstance](record)
}

func (s *SQLStore) GetTaskInstance(ctx context.Context, runID, taskID string) (*types.TaskInstance, error) {
	return s.scanTask(ctx, s.db, runID, taskID)
}

func (s *SQLStore) ListTaskInstances(ctx context.Context, runID string) ([]*types.TaskInstance, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, sqlCountRun, runID).Scan(&n); err != nil {
		return nil, fmt.Errorf("check run: %w", err)
	}
	if n == 0 {
		return nil, ErrRunNotFound
	}

	rows, err := s.db.QueryContext(ctx, sqlListTasks, runID)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	out := []*types.TaskInstance{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		ti, err := decodeJSON[types.TaskInstance](record)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *SQLStore) TransitionTask(ctx context.Context, runID, taskID string, from, to types.TaskState, mutate func(*types.TaskInstance)) (*types.TaskInstance, error) {
	if !types.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	var result *types.TaskInstance
	err := s.withTx(ctx, "transition_task", func(tx *sql.Tx) error {
		ti, err := s.scanTask(ctx, tx, runID, taskID)
		if err != nil {
			return err
		}
		if err := applyTaskTransition(ti, from, to, mutate, time.Now().UTC()); err != nil {
			return err
		}
		b, err := json.Marshal(ti)
		if err != nil {
			return fmt.Errorf("marshal task instance: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlUpdateTask, string(to), string(b), runID, taskID, string(from))
		if err != nil {
			return fmt.Errorf("update task instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: task %s/%s", ErrStateConflict, runID, taskID)
		}
		result = ti
		return nil
	})
	return result, err
}

func (s *SQLStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dag_runs").Scan(&n); err != nil {
		return nil, fmt.Errorf("sqlite health check: %w", err)
	}
	return map[string]interface{}{"adapter": "sqlite", "run_count": n}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ StateStore = (*SQLStore)(nil)
