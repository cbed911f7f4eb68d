package services

import (
	"context"
	"regexp"
	"testing"

	"mediaconv/models"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockDatabase(t *testing.T) (*DatabaseService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDatabaseServiceFromDB(db), mock
}

func TestDatabaseService_RecordResultSuccess(t *testing.T) {
	svc, mock := newMockDatabase(t)
	job := &models.ConversionJob{ID: "job-1", Params: models.ImageParams{Quality: 2}, RetryCount: 1}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversion_results")).
		WithArgs("job-1", "image", "completed", nil, "https://cdn/x.jpg", nil, 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.RecordResult(context.Background(), job, models.RemoteSuccess("https://cdn/x.jpg")); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_RecordResultFailure(t *testing.T) {
	svc, mock := newMockDatabase(t)
	job := &models.ConversionJob{ID: "job-2", Params: models.VideoParams{}}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversion_results")).
		WithArgs("job-2", "video", "failed", nil, nil, "conversion failed: bad input", 0, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result := models.JobResult{Success: false, Error: "conversion failed: bad input"}
	if err := svc.RecordResult(context.Background(), job, result); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDatabaseService_GetResult(t *testing.T) {
	svc, mock := newMockDatabase(t)

	rows := sqlmock.NewRows([]string{"status", "output_path", "output_url", "error_message"}).
		AddRow("completed", "/out/a.jpg", nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, output_path")).WithArgs("job-3").WillReturnRows(rows)

	result, status, found, err := svc.GetResult(context.Background(), "job-3")
	if err != nil || !found {
		t.Fatalf("GetResult: found=%v err=%v", found, err)
	}
	if status != "completed" || !result.Success || result.OutputPath != "/out/a.jpg" || result.OutputURL != "" {
		t.Fatalf("unexpected result %+v (%s)", result, status)
	}
}

func TestDatabaseService_GetResultMissing(t *testing.T) {
	svc, mock := newMockDatabase(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, output_path")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"status", "output_path", "output_url", "error_message"}))

	_, _, found, err := svc.GetResult(context.Background(), "nope")
	if err != nil || found {
		t.Fatalf("expected clean miss, found=%v err=%v", found, err)
	}
}
