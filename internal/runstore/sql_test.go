package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

func newSQLStoreAndMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	mock.ExpectExec(regexp.QuoteMeta(sqlCreateRuns)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(sqlCreateTasks)).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	return s, mock
}

// A writer in another process can win between our SELECT and UPDATE; the
// conditional UPDATE then matches no row.
func TestSQLStore_TransitionTaskLosesRace(t *testing.T) {
	s, mock := newSQLStoreAndMock(t)
	record, _ := json.Marshal(&types.TaskInstance{RunID: "r1", TaskID: "a", State: types.TaskStatePending})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlSelectTask)).
		WithArgs("r1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(string(record)))
	mock.ExpectExec(regexp.QuoteMeta(sqlUpdateTask)).
		WithArgs(string(types.TaskStateQueued), sqlmock.AnyArg(), "r1", "a", string(types.TaskStatePending)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.TransitionTask(context.Background(), "r1", "a", types.TaskStatePending, types.TaskStateQueued, nil)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_CreateRunDuplicate(t *testing.T) {
	s, mock := newSQLStoreAndMock(t)
	run, tasks := newRun("etl", mustDate(t))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sqlCountLogical)).
		WithArgs("etl", sqlTime(run.LogicalDate)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	if err := s.CreateRun(context.Background(), run, tasks); !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func mustDate(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
}
