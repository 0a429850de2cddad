// Package postgres implements harvest.RecordStore on a Postgres pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN       string
	Table     string
	JobsTable string
	LogsTable string
	MaxConns  int32
}

// pool is the slice of pgxpool.Pool the store uses, split out so tests
// can substitute pgxmock.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is a Postgres-backed RecordStore.
type Store struct {
	pool      pool
	clock     harvest.Clock
	table     string
	jobsTable string
	logsTable string
}

// New connects a pool with the given config.
func New(ctx context.Context, cfg Config, clock harvest.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newWithPool(p, cfg, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(p pool, cfg Config, clock harvest.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newWithPool(p, cfg, clock)
}

func newWithPool(p pool, cfg Config, clock harvest.Clock) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "unreviewed_schools"
	}
	if cfg.JobsTable == "" {
		cfg.JobsTable = "crawler_jobs"
	}
	if cfg.LogsTable == "" {
		cfg.LogsTable = "crawler_logs"
	}
	for _, table := range []string{cfg.Table, cfg.JobsTable, cfg.LogsTable} {
		if !validIdent.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{
		pool:      p,
		clock:     clock,
		table:     cfg.Table,
		jobsTable: cfg.JobsTable,
		logsTable: cfg.LogsTable,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const entityColumns = "id::text, COALESCE(name,''), COALESCE(initial,''), COALESCE(type,''), " +
	"COALESCE(country,''), COALESCE(location,''), year_founded, qs_ranking, " +
	"COALESCE(website_url,''), COALESCE(source_url,''), confidence_score, " +
	"COALESCE(status,''), raw_data, created_at, updated_at"

// Find queries the catalogue table with the given predicates.
func (s *Store) Find(ctx context.Context, q harvest.Query) ([]harvest.Entity, error) {
	var args []any
	where, err := whereClause(q.Matches, &args)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY created_at", entityColumns, s.table, where)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []harvest.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find in %s: %w", s.table, err)
	}
	return out, nil
}

// Insert creates a catalogue row and returns the store-assigned id.
func (s *Store) Insert(ctx context.Context, fields harvest.Fields) (string, error) {
	cols, args, err := columnValues(fields)
	if err != nil {
		return "", &harvest.WriteError{Op: "insert", Err: err}
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id::text",
		s.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	var id string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", &harvest.WriteError{Op: "insert", Err: err}
	}
	return id, nil
}

// Patch applies fields to the row with the given id. Returns false
// without error when the id no longer matches a row.
func (s *Store) Patch(ctx context.Context, id string, fields harvest.Fields) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	cols, args, err := columnValues(fields)
	if err != nil {
		return false, &harvest.WriteError{Op: "patch", Err: err}
	}
	set := make([]string, 0, len(cols)+1)
	for i, col := range cols {
		set = append(set, fmt.Sprintf("%s = $%d", col, i+1))
	}
	args = append(args, s.clock.Now().UTC())
	set = append(set, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id::text = $%d",
		s.table, strings.Join(set, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, &harvest.WriteError{Op: "patch", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// CreateJob opens a job row in the jobs table.
func (s *Store) CreateJob(ctx context.Context, name string, status harvest.JobStatus, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", &harvest.WriteError{Op: "create job", Err: fmt.Errorf("marshal metadata: %w", err)}
	}
	query := fmt.Sprintf("INSERT INTO %s (job_name, status, metadata) VALUES ($1, $2, $3) RETURNING id::text", s.jobsTable)

	var id string
	if err := s.pool.QueryRow(ctx, query, name, string(status), metaJSON).Scan(&id); err != nil {
		return "", &harvest.WriteError{Op: "create job", Err: err}
	}
	return id, nil
}

// GetJob fetches one job row.
func (s *Store) GetJob(ctx context.Context, id string) (harvest.JobRecord, error) {
	query := fmt.Sprintf("SELECT id::text, job_name, status, metadata, "+
		"total_items, inserted_items, enriched_items, skipped_items, failed_items, "+
		"COALESCE(error_message,''), created_at, completed_at FROM %s WHERE id::text = $1", s.jobsTable)

	var (
		rec      harvest.JobRecord
		status   string
		metaJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&status,
		&metaJSON,
		&rec.Counters.Processed,
		&rec.Counters.Inserted,
		&rec.Counters.Enriched,
		&rec.Counters.Skipped,
		&rec.Counters.Failed,
		&rec.ErrorText,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.JobRecord{}, fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)
		}
		return harvest.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	rec.Status = harvest.JobStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return harvest.JobRecord{}, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return rec, nil
}

// UpdateJob applies a partial update to a job row. Terminal statuses
// stamp the completion time.
func (s *Store) UpdateJob(ctx context.Context, id string, update harvest.JobUpdate) error {
	var (
		set  []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != "" {
		add("status", string(update.Status))
		if update.Status.Terminal() {
			add("completed_at", s.clock.Now().UTC())
		}
	}
	if update.Counters != nil {
		c := update.Counters
		add("total_items", c.Processed)
		add("successful_items", c.Successful())
		add("failed_items", c.Failed)
		add("inserted_items", c.Inserted)
		add("enriched_items", c.Enriched)
		add("skipped_items", c.Skipped)
	}
	if update.ErrorText != "" {
		add("error_message", update.ErrorText)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id::text = $%d",
		s.jobsTable, strings.Join(set, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return &harvest.WriteError{Op: "update job", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &harvest.WriteError{Op: "update job", Err: fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)}
	}
	return nil
}

// AppendJobLogs inserts a batch of log rows in one statement.
func (s *Store) AppendJobLogs(ctx context.Context, entries []harvest.JobLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*4)
	for _, e := range entries {
		ctxMap := e.Context
		if ctxMap == nil {
			ctxMap = map[string]any{}
		}
		ctxJSON, err := json.Marshal(ctxMap)
		if err != nil {
			return &harvest.WriteError{Op: "append logs", Err: fmt.Errorf("marshal log context: %w", err)}
		}
		args = append(args, e.JobID, strings.ToUpper(e.Level), e.Message, ctxJSON)
		n := len(args)
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", n-3, n-2, n-1, n))
	}
	query := fmt.Sprintf("INSERT INTO %s (job_id, level, message, context) VALUES %s",
		s.logsTable, strings.Join(values, ", "))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &harvest.WriteError{Op: "append logs", Err: err}
	}
	return nil
}

// Ping checks the pool answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanEntity(rows pgx.Rows) (harvest.Entity, error) {
	var (
		e   harvest.Entity
		raw []byte
	)
	err := rows.Scan(
		&e.ID,
		&e.Name,
		&e.Initial,
		&e.Type,
		&e.Country,
		&e.Location,
		&e.YearFounded,
		&e.Rank,
		&e.WebsiteURL,
		&e.SourceURL,
		&e.Confidence,
		&e.Status,
		&raw,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return harvest.Entity{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Aux); err != nil {
			return harvest.Entity{}, fmt.Errorf("decode raw_data: %w", err)
		}
	}
	return e, nil
}

func whereClause(matches []harvest.Match, args *[]any) (string, error) {
	if len(matches) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(matches))
	for _, m := range matches {
		if !validIdent.MatchString(m.Field) {
			return "", fmt.Errorf("invalid field name %q", m.Field)
		}
		switch m.Op {
		case harvest.MatchEq:
			*args = append(*args, m.Value)
			clauses = append(clauses, fmt.Sprintf("%s::text = $%d", m.Field, len(*args)))
		case harvest.MatchContains:
			*args = append(*args, m.Value)
			clauses = append(clauses, fmt.Sprintf("%s ILIKE '%%' || $%d || '%%'", m.Field, len(*args)))
		case harvest.MatchAtMost:
			n, err := strconv.Atoi(m.Value)
			if err != nil {
				return "", fmt.Errorf("at-most value %q: %w", m.Value, err)
			}
			*args = append(*args, n)
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", m.Field, len(*args)))
		default:
			return "", fmt.Errorf("unsupported match op %q", m.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

// columnValues flattens a field map into sorted columns and pgx args.
// The raw_data payload is marshalled here so the mock pool sees plain
// bytes.
func columnValues(fields harvest.Fields) ([]string, []any, error) {
	cols := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		if !validIdent.MatchString(k) {
			return nil, nil, fmt.Errorf("invalid column name %q", k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, col := range cols {
		v := fields[col]
		if col == harvest.FieldAux {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal %s: %w", col, err)
			}
			v = b
		}
		args = append(args, v)
	}
	return cols, args, nil
}

var _ harvest.RecordStore = (*Store)(nil)
