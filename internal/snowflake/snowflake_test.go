package snowflake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
)

func testRunRecord() resolution.RunRecord {
	finished := time.Now().UTC()
	return resolution.RunRecord{
		ID:           uuid.New(),
		EntityType:   "email",
		Mode:         resolution.ModeIncremental,
		Status:       resolution.StatusSuccess,
		Processed:    1200,
		MatchedExact: 1100,
		Unmatched:    100,
		StartedAt:    finished.Add(-2 * time.Minute),
		FinishedAt:   &finished,
	}
}

func TestRecordRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`MERGE INTO RESOLUTION_RUNS`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	client := &Client{db: db}
	require.NoError(t, client.RecordRun(context.Background(), testRunRecord()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRun_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Mirroring the same run twice is a MERGE on run id both times.
	rec := testRunRecord()
	mock.ExpectExec(`MERGE INTO RESOLUTION_RUNS`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`MERGE INTO RESOLUTION_RUNS`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	client := &Client{db: db}
	require.NoError(t, client.RecordRun(context.Background(), rec))
	require.NoError(t, client.RecordRun(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRun_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`MERGE INTO RESOLUTION_RUNS`).
		WillReturnError(errors.New("warehouse suspended"))

	client := &Client{db: db}
	assert.Error(t, client.RecordRun(context.Background(), testRunRecord()))
}
