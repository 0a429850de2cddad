package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

type tickClock struct {
	now  time.Time
	step time.Duration
}

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *tickClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type countingIDs struct{ n int }

func (g *countingIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("mem-%03d", g.n), nil
}

func newStore() *Store {
	return New(&tickClock{now: time.Unix(1700000000, 0).UTC(), step: time.Second}, &countingIDs{})
}

func TestFindMatchOps(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	id, err := store.Insert(ctx, harvest.Fields{
		harvest.FieldName:       "Eastfield University",
		harvest.FieldWebsiteURL: "https://www.Eastfield.example.edu/admissions",
		harvest.FieldRank:       42,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Insert(ctx, harvest.Fields{
		harvest.FieldName: "Westgate College",
		harvest.FieldRank: 300,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	cases := []struct {
		name  string
		query harvest.Query
		want  []string
	}{
		{
			name: "eq on id",
			query: harvest.Query{Matches: []harvest.Match{
				{Field: harvest.FieldID, Op: harvest.MatchEq, Value: id},
			}},
			want: []string{"Eastfield University"},
		},
		{
			name: "contains is case insensitive",
			query: harvest.Query{Matches: []harvest.Match{
				{Field: harvest.FieldWebsiteURL, Op: harvest.MatchContains, Value: "eastfield.EXAMPLE.edu"},
			}},
			want: []string{"Eastfield University"},
		},
		{
			name: "contains on name substring",
			query: harvest.Query{Matches: []harvest.Match{
				{Field: harvest.FieldName, Op: harvest.MatchContains, Value: "gate"},
			}},
			want: []string{"Westgate College"},
		},
		{
			name: "at most on rank",
			query: harvest.Query{Matches: []harvest.Match{
				{Field: harvest.FieldRank, Op: harvest.MatchAtMost, Value: "100"},
			}},
			want: []string{"Eastfield University"},
		},
		{
			name: "predicates are conjunctive",
			query: harvest.Query{Matches: []harvest.Match{
				{Field: harvest.FieldName, Op: harvest.MatchContains, Value: "university"},
				{Field: harvest.FieldRank, Op: harvest.MatchAtMost, Value: "10"},
			}},
			want: nil,
		},
		{
			name: "limit caps results",
			query: harvest.Query{
				Matches: []harvest.Match{{Field: harvest.FieldName, Op: harvest.MatchContains, Value: "e"}},
				Limit:   1,
			},
			want: []string{"Eastfield University"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := store.Find(ctx, tc.query)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(rows) != len(tc.want) {
				t.Fatalf("got %d rows, want %d", len(rows), len(tc.want))
			}
			for i, name := range tc.want {
				if rows[i].Name != name {
					t.Fatalf("row %d name = %q, want %q", i, rows[i].Name, name)
				}
			}
		})
	}
}

func TestFindHandsOutCopies(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	if _, err := store.Insert(ctx, harvest.Fields{
		harvest.FieldName: "Copyfield University",
		harvest.FieldAux:  map[string]any{"k": "original"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.Find(ctx, harvest.Query{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	rows[0].Aux["k"] = "mutated"
	rows[0].Name = "Mutated"

	got := store.Entities()[0]
	if got.Name != "Copyfield University" {
		t.Fatalf("stored name changed to %q", got.Name)
	}
	if got.Aux["k"] != "original" {
		t.Fatalf("stored aux changed to %v", got.Aux["k"])
	}
}

func TestPatchUnknownIDReportsNoRow(t *testing.T) {
	t.Parallel()

	store := newStore()
	ok, err := store.Patch(context.Background(), "missing", harvest.Fields{harvest.FieldCountry: "France"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if ok {
		t.Fatal("patch of unknown id reported a matched row")
	}
}

func TestPatchStampsUpdatedAt(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	id, err := store.Insert(ctx, harvest.Fields{harvest.FieldName: "Stampwell Institute"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := store.Patch(ctx, id, harvest.Fields{harvest.FieldCountry: "Norway"})
	if err != nil || !ok {
		t.Fatalf("patch: ok=%v err=%v", ok, err)
	}

	got := store.Entities()[0]
	if got.Country != "Norway" {
		t.Fatalf("country = %q", got.Country)
	}
	if got.UpdatedAt == nil {
		t.Fatal("updated_at not stamped")
	}
	if got.CreatedAt == nil || !got.UpdatedAt.After(*got.CreatedAt) {
		t.Fatalf("updated_at %v not after created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	id, err := store.CreateJob(ctx, "qs_crawl", harvest.JobStatusRunning, map[string]any{"source": "feed"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != harvest.JobStatusRunning {
		t.Fatalf("status = %q", job.Status)
	}
	if job.CompletedAt != nil {
		t.Fatal("completed_at set on a running job")
	}

	counters := harvest.JobCounters{Processed: 5, Inserted: 2, Enriched: 2, Skipped: 1}
	if err := store.UpdateJob(ctx, id, harvest.JobUpdate{
		Status:   harvest.JobStatusCompleted,
		Counters: &counters,
	}); err != nil {
		t.Fatalf("update job: %v", err)
	}

	job, err = store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != harvest.JobStatusCompleted {
		t.Fatalf("status = %q", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("terminal update did not stamp completed_at")
	}
	if job.Counters.Successful() != 4 {
		t.Fatalf("successful = %d, want 4", job.Counters.Successful())
	}

	stamp := *job.CompletedAt
	if err := store.UpdateJob(ctx, id, harvest.JobUpdate{Status: harvest.JobStatusCompleted}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	job, _ = store.GetJob(ctx, id)
	if !job.CompletedAt.Equal(stamp) {
		t.Fatal("completed_at moved on a repeated terminal update")
	}
}

func TestGetJobUnknownID(t *testing.T) {
	t.Parallel()

	store := newStore()
	if _, err := store.GetJob(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestAppendJobLogsClonesContext(t *testing.T) {
	t.Parallel()

	store := newStore()
	ctx := context.Background()

	payload := map[string]any{"candidate": "Aurora"}
	err := store.AppendJobLogs(ctx, []harvest.JobLogEntry{
		{JobID: "job-1", Level: "INFO", Message: "inserted", Context: payload},
		{JobID: "job-1", Level: "ERROR", Message: "patch failed"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	payload["candidate"] = "changed"

	logs := store.Logs()
	if len(logs) != 2 {
		t.Fatalf("got %d logs", len(logs))
	}
	if logs[0].Context["candidate"] != "Aurora" {
		t.Fatalf("log context aliased caller map: %v", logs[0].Context)
	}
}
