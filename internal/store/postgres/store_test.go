package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var testNow = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

var entityRowColumns = []string{
	"id", "name", "initial", "type", "country", "location",
	"year_founded", "qs_ranking", "website_url", "source_url",
	"confidence_score", "status", "raw_data", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, Config{
		Table:     "unreviewed_schools",
		JobsTable: "crawler_jobs",
		LogsTable: "crawler_logs",
	}, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func timePtr(ts time.Time) *time.Time { return &ts }

func TestFindAppliesPredicates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	created := testNow.Add(-time.Hour)
	mock.ExpectQuery("SELECT .+ FROM unreviewed_schools WHERE website_url ILIKE .+ AND qs_ranking <=").
		WithArgs("alma.edu", 100, 1).
		WillReturnRows(pgxmock.NewRows(entityRowColumns).AddRow(
			"s-1", "Alma College", "ALM", "university", "Ireland", "Dublin",
			intPtr(1592), intPtr(44), "https://alma.edu", "https://feed.test/qs",
			floatPtr(0.95), "pending", []byte(`{"region":"Europe"}`),
			timePtr(created), nil,
		))

	rows, err := store.Find(context.Background(), harvest.Query{
		Matches: []harvest.Match{
			{Field: "website_url", Op: harvest.MatchContains, Value: "alma.edu"},
			{Field: "qs_ranking", Op: harvest.MatchAtMost, Value: "100"},
		},
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	e := rows[0]
	require.Equal(t, "s-1", e.ID)
	require.Equal(t, "Alma College", e.Name)
	require.Equal(t, "Ireland", e.Country)
	require.NotNil(t, e.Rank)
	require.Equal(t, 44, *e.Rank)
	require.Equal(t, "Europe", e.Aux["region"])
	require.Nil(t, e.UpdatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRejectsBadFieldName(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	_, err := store.Find(context.Background(), harvest.Query{
		Matches: []harvest.Match{{Field: "name; DROP TABLE", Op: harvest.MatchEq, Value: "x"}},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReturnsAssignedID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO unreviewed_schools .+ RETURNING id").
		WithArgs("Alma College", []byte(`{"region":"Europe"}`), "pending").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("s-7"))

	id, err := store.Insert(context.Background(), harvest.Fields{
		"name":     "Alma College",
		"raw_data": map[string]any{"region": "Europe"},
		"status":   "pending",
	})
	require.NoError(t, err)
	require.Equal(t, "s-7", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatchReportsRowsAffected(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE unreviewed_schools SET country = .+ updated_at =").
		WithArgs("Ireland", testNow, "s-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE unreviewed_schools SET country = .+ updated_at =").
		WithArgs("Ireland", testNow, "s-404").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Patch(context.Background(), "s-1", harvest.Fields{"country": "Ireland"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Patch(context.Background(), "s-404", harvest.Fields{"country": "Ireland"})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobReturnsID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO crawler_jobs .+ RETURNING id").
		WithArgs("feed-harvest", "running", []byte(`{"source":"qs"}`)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("job-1"))

	id, err := store.CreateJob(context.Background(), "feed-harvest", harvest.JobStatusRunning, map[string]any{"source": "qs"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobMapsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	created := testNow.Add(-30 * time.Minute)
	mock.ExpectQuery("SELECT .+ FROM crawler_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_name", "status", "metadata",
			"total_items", "inserted_items", "enriched_items", "skipped_items", "failed_items",
			"error_message", "created_at", "completed_at",
		}).AddRow(
			"job-1", "feed-harvest", "completed", []byte(`{"source":"qs"}`),
			5, 2, 2, 0, 1,
			"", created, timePtr(testNow),
		))

	rec, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "feed-harvest", rec.Name)
	require.Equal(t, harvest.JobStatusCompleted, rec.Status)
	require.Equal(t, "qs", rec.Metadata["source"])
	require.Equal(t, 5, rec.Counters.Processed)
	require.Equal(t, 4, rec.Counters.Successful())
	require.NotNil(t, rec.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobUnknownID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM crawler_jobs WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStampsCompletion(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE crawler_jobs SET status = .+ completed_at =").
		WithArgs("completed", testNow, 5, 4, 1, 2, 2, 0, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	counters := harvest.JobCounters{Processed: 5, Inserted: 2, Enriched: 2, Failed: 1}
	err := store.UpdateJob(context.Background(), "job-1", harvest.JobUpdate{
		Status:   harvest.JobStatusCompleted,
		Counters: &counters,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobUnknownID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE crawler_jobs SET status =").
		WithArgs("failed", testNow, "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateJob(context.Background(), "nope", harvest.JobUpdate{Status: harvest.JobStatusFailed})
	var we *harvest.WriteError
	require.ErrorAs(t, err, &we)
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendJobLogsSingleStatement(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO crawler_logs").
		WithArgs(
			"job-1", "INFO", "inserted Alma College", []byte(`{}`),
			"job-1", "WARNING", "fetch throttled", []byte(`{"status":429}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := store.AppendJobLogs(context.Background(), []harvest.JobLogEntry{
		{JobID: "job-1", Level: "info", Message: "inserted Alma College"},
		{JobID: "job-1", Level: "warning", Message: "fetch throttled", Context: map[string]any{"status": 429}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
