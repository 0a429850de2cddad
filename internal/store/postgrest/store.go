// Package postgrest implements harvest.RecordStore against a PostgREST
// endpoint such as Supabase's REST layer. Reads ride the retrying
// transport; writes are single-shot so a flaky network can never double
// an insert.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Config locates the PostgREST endpoint and the three tables the
// harvester writes to.
type Config struct {
	// BaseURL is the REST root, e.g. https://project.supabase.co/rest/v1.
	BaseURL   string
	APIKey    string
	Table     string
	JobsTable string
	LogsTable string
}

// Store talks PostgREST. Safe for concurrent use.
type Store struct {
	cfg       Config
	transport harvest.Transport
	writer    *http.Client
	clock     harvest.Clock
	logger    *zap.Logger
}

// New builds a Store. Reads go through the given transport; writes use a
// dedicated plain client with a conservative timeout.
func New(cfg Config, transport harvest.Transport, clock harvest.Clock, logger *zap.Logger) *Store {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:       cfg,
		transport: transport,
		writer:    &http.Client{Timeout: 20 * time.Second},
		clock:     clock,
		logger:    logger,
	}
}

// Find queries the catalogue table with the given predicates.
func (s *Store) Find(ctx context.Context, q harvest.Query) ([]harvest.Entity, error) {
	params := url.Values{}
	params.Set("select", "*")
	for _, m := range q.Matches {
		pred, err := predicate(m)
		if err != nil {
			return nil, err
		}
		params.Set(m.Field, pred)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	body, err := s.get(ctx, s.cfg.Table, params)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", s.cfg.Table, err)
	}

	var rows []harvest.Entity
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", s.cfg.Table, err)
	}
	return rows, nil
}

// Insert creates a catalogue row and returns the store-assigned id.
func (s *Store) Insert(ctx context.Context, fields harvest.Fields) (string, error) {
	rows, err := s.write(ctx, http.MethodPost, s.cfg.Table, nil, dropNils(fields))
	if err != nil {
		return "", &harvest.WriteError{Op: "insert", Err: err}
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return "", &harvest.WriteError{Op: "insert", Err: fmt.Errorf("no row returned from %s", s.cfg.Table)}
	}
	return rows[0].ID, nil
}

// Patch applies fields to the row with the given id. Returns false
// without error when the id no longer matches a row.
func (s *Store) Patch(ctx context.Context, id string, fields harvest.Fields) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	params := url.Values{}
	params.Set("id", "eq."+id)
	rows, err := s.write(ctx, http.MethodPatch, s.cfg.Table, params, dropNils(fields))
	if err != nil {
		return false, &harvest.WriteError{Op: "patch", Err: err}
	}
	return len(rows) > 0, nil
}

// CreateJob opens a job row in the jobs table.
func (s *Store) CreateJob(ctx context.Context, name string, status harvest.JobStatus, metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload := map[string]any{
		"job_name": name,
		"status":   status,
		"metadata": metadata,
	}
	rows, err := s.write(ctx, http.MethodPost, s.cfg.JobsTable, nil, payload)
	if err != nil {
		return "", &harvest.WriteError{Op: "create job", Err: err}
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return "", &harvest.WriteError{Op: "create job", Err: fmt.Errorf("no row returned from %s", s.cfg.JobsTable)}
	}
	s.logger.Info("Created harvest job", zap.String("job_id", rows[0].ID), zap.String("name", name))
	return rows[0].ID, nil
}

// GetJob fetches one job row.
func (s *Store) GetJob(ctx context.Context, id string) (harvest.JobRecord, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("id", "eq."+id)
	params.Set("limit", "1")

	body, err := s.get(ctx, s.cfg.JobsTable, params)
	if err != nil {
		return harvest.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}

	var rows []jobRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return harvest.JobRecord{}, fmt.Errorf("decode job row: %w", err)
	}
	if len(rows) == 0 {
		return harvest.JobRecord{}, fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)
	}
	return rows[0].record(), nil
}

// UpdateJob applies a partial update to a job row. Terminal statuses
// stamp the completion time.
func (s *Store) UpdateJob(ctx context.Context, id string, update harvest.JobUpdate) error {
	payload := map[string]any{}
	if update.Status != "" {
		payload["status"] = update.Status
		if update.Status.Terminal() {
			payload["completed_at"] = s.clock.Now().UTC().Format(time.RFC3339Nano)
		}
	}
	if update.Counters != nil {
		c := update.Counters
		payload["total_items"] = c.Processed
		payload["successful_items"] = c.Successful()
		payload["failed_items"] = c.Failed
		payload["inserted_items"] = c.Inserted
		payload["enriched_items"] = c.Enriched
		payload["skipped_items"] = c.Skipped
	}
	if update.ErrorText != "" {
		payload["error_message"] = update.ErrorText
	}
	if len(payload) == 0 {
		return nil
	}

	params := url.Values{}
	params.Set("id", "eq."+id)
	rows, err := s.write(ctx, http.MethodPatch, s.cfg.JobsTable, params, payload)
	if err != nil {
		return &harvest.WriteError{Op: "update job", Err: err}
	}
	if len(rows) == 0 {
		return &harvest.WriteError{Op: "update job", Err: fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)}
	}
	return nil
}

// AppendJobLogs inserts a batch of log rows in one request.
func (s *Store) AppendJobLogs(ctx context.Context, entries []harvest.JobLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		ctxMap := e.Context
		if ctxMap == nil {
			ctxMap = map[string]any{}
		}
		batch = append(batch, map[string]any{
			"job_id":  e.JobID,
			"level":   strings.ToUpper(e.Level),
			"message": e.Message,
			"context": ctxMap,
		})
	}
	if _, err := s.write(ctx, http.MethodPost, s.cfg.LogsTable, nil, batch); err != nil {
		return &harvest.WriteError{Op: "append logs", Err: err}
	}
	return nil
}

// Ping checks the endpoint answers an aggregate query on the catalogue
// table.
func (s *Store) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Set("select", "count")
	if _, err := s.get(ctx, s.cfg.Table, params); err != nil {
		return fmt.Errorf("ping %s: %w", s.cfg.Table, err)
	}
	return nil
}

// jobRow is the flat shape of the jobs table.
type jobRow struct {
	ID          string         `json:"id"`
	Name        string         `json:"job_name"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata"`
	Total       int            `json:"total_items"`
	Inserted    int            `json:"inserted_items"`
	Enriched    int            `json:"enriched_items"`
	Skipped     int            `json:"skipped_items"`
	Failed      int            `json:"failed_items"`
	ErrorText   string         `json:"error_message"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

func (r jobRow) record() harvest.JobRecord {
	return harvest.JobRecord{
		ID:       r.ID,
		Name:     r.Name,
		Status:   harvest.JobStatus(r.Status),
		Metadata: r.Metadata,
		Counters: harvest.JobCounters{
			Processed: r.Total,
			Inserted:  r.Inserted,
			Enriched:  r.Enriched,
			Skipped:   r.Skipped,
			Failed:    r.Failed,
		},
		ErrorText:   r.ErrorText,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// insertedRow is the minimal slice of a representation response.
type insertedRow struct {
	ID string `json:"id"`
}

func (s *Store) get(ctx context.Context, table string, params url.Values) ([]byte, error) {
	resp, err := s.transport.Fetch(ctx, harvest.FetchRequest{
		URL:    s.cfg.BaseURL + "/" + table + "?" + params.Encode(),
		Header: s.readHeader(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// write issues a POST or PATCH and decodes the returned representation.
// PostgREST answers an empty array when a PATCH matched no row.
func (s *Store) write(ctx context.Context, method, table string, params url.Values, payload any) ([]insertedRow, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	target := s.cfg.BaseURL + "/" + table
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = s.readHeader()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.writer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close() //nolint:errcheck // error surface is the decode below

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if resp.StatusCode == http.StatusNoContent {
		return []insertedRow{{}}, nil
	}

	var rows []insertedRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", table, err)
	}
	return rows, nil
}

func (s *Store) readHeader() http.Header {
	h := http.Header{}
	if s.cfg.APIKey != "" {
		h.Set("apikey", s.cfg.APIKey)
		h.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	h.Set("Accept", "application/json")
	return h
}

func predicate(m harvest.Match) (string, error) {
	switch m.Op {
	case harvest.MatchEq:
		return "eq." + m.Value, nil
	case harvest.MatchContains:
		return "ilike.*" + m.Value + "*", nil
	case harvest.MatchAtMost:
		return "lte." + m.Value, nil
	default:
		return "", fmt.Errorf("unsupported match op %q", m.Op)
	}
}

func dropNils(fields harvest.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
