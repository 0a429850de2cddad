// Package harvest defines core types shared across subsystems.
package harvest

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a harvest job.
type JobStatus string

// Job status values persisted in the record store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Catalogue column names shared by the engine and the store implementations.
const (
	FieldID         = "id"
	FieldName       = "name"
	FieldInitial    = "initial"
	FieldType       = "type"
	FieldCountry    = "country"
	FieldLocation   = "location"
	FieldYearFound  = "year_founded"
	FieldRank       = "qs_ranking"
	FieldWebsiteURL = "website_url"
	FieldSourceURL  = "source_url"
	FieldConfidence = "confidence_score"
	FieldAux        = "raw_data"
	FieldStatus     = "status"
)

// Aux keys the engine folds the normalized rank into.
const (
	AuxRankDisplay = "qs_ranking_display"
	AuxRankLower   = "qs_rank_min"
	AuxRankUpper   = "qs_rank_max"
)

// EnrichableFields lists the columns the engine may fill on an existing
// entity. Name is deliberately absent: it is the match key, never patched.
// The scalar rank column has its own rule and is handled separately.
var EnrichableFields = []string{
	FieldYearFound,
	FieldCountry,
	FieldLocation,
	FieldWebsiteURL,
	FieldInitial,
	FieldType,
	FieldConfidence,
	FieldSourceURL,
}

// Candidate is one harvested row on its way into the catalogue.
type Candidate struct {
	// ID is set when the producer already knows the catalogue id,
	// promoting the match ladder straight to an exact lookup.
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Initial     string `json:"initial,omitempty"`
	Type        string `json:"type,omitempty"`
	Country     string `json:"country,omitempty"`
	Location    string `json:"location,omitempty"`
	YearFounded *int   `json:"year_founded,omitempty"`
	// RawRank is the rank cell as published: a number, "=9", "1001+",
	// "501-510", or free text. Normalization happens during reconcile.
	RawRank    any            `json:"raw_rank,omitempty"`
	WebsiteURL string         `json:"website_url,omitempty"`
	SourceURL  string         `json:"source_url,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Status     string         `json:"status,omitempty"`
	Aux        map[string]any `json:"aux,omitempty"`
}

// Entity is a catalogue row as returned by a RecordStore.
type Entity struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Initial     string         `json:"initial,omitempty"`
	Type        string         `json:"type,omitempty"`
	Country     string         `json:"country,omitempty"`
	Location    string         `json:"location,omitempty"`
	YearFounded *int           `json:"year_founded,omitempty"`
	Rank        *int           `json:"qs_ranking,omitempty"`
	WebsiteURL  string         `json:"website_url,omitempty"`
	SourceURL   string         `json:"source_url,omitempty"`
	Confidence  *float64       `json:"confidence_score,omitempty"`
	Status      string         `json:"status,omitempty"`
	Aux         map[string]any `json:"raw_data,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	UpdatedAt   *time.Time     `json:"updated_at,omitempty"`
}

// Field returns the named column value, nil when unset.
func (e Entity) Field(name string) any {
	switch name {
	case FieldID:
		return e.ID
	case FieldName:
		return e.Name
	case FieldInitial:
		return e.Initial
	case FieldType:
		return e.Type
	case FieldCountry:
		return e.Country
	case FieldLocation:
		return e.Location
	case FieldYearFound:
		if e.YearFounded == nil {
			return nil
		}
		return *e.YearFounded
	case FieldRank:
		if e.Rank == nil {
			return nil
		}
		return *e.Rank
	case FieldWebsiteURL:
		return e.WebsiteURL
	case FieldSourceURL:
		return e.SourceURL
	case FieldConfidence:
		if e.Confidence == nil {
			return nil
		}
		return *e.Confidence
	case FieldStatus:
		return e.Status
	default:
		return nil
	}
}

// Fields is a column/value map handed to store writes. Nil values are
// dropped at the store boundary before the write goes out.
type Fields map[string]any

// MatchOp selects how a Match compares its value against a column.
type MatchOp string

// Supported match operators.
const (
	MatchEq       MatchOp = "eq"
	MatchContains MatchOp = "contains"
	MatchAtMost   MatchOp = "lte"
)

// Match is one predicate of a Find query.
type Match struct {
	Field string
	Op    MatchOp
	Value string
}

// Query bundles predicates and a result cap for RecordStore.Find.
type Query struct {
	Matches []Match
	Limit   int
}

// OutcomeKind classifies what Reconcile did with a candidate.
type OutcomeKind string

// Reconcile outcomes.
const (
	OutcomeInserted OutcomeKind = "inserted"
	OutcomeEnriched OutcomeKind = "enriched"
	OutcomeSkipped  OutcomeKind = "skipped"
)

// Outcome reports the reconciliation result for one candidate. ID may be
// empty for a skip where the underlying patch matched no row.
type Outcome struct {
	Kind OutcomeKind
	ID   string
}

// JobRecord is the metadata persisted for each harvest run.
type JobRecord struct {
	ID          string         `json:"id"`
	Name        string         `json:"job_name"`
	Status      JobStatus      `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Counters    JobCounters    `json:"counters"`
	ErrorText   string         `json:"error_text,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// JobCounters tracks per-outcome stats for a job run.
type JobCounters struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Enriched  int `json:"enriched"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Successful is the insert+enrich total reported to the job row.
func (c JobCounters) Successful() int {
	return c.Inserted + c.Enriched
}

// JobUpdate carries a partial job-row update. Stores stamp the completion
// time themselves when Status is terminal.
type JobUpdate struct {
	Status    JobStatus
	Counters  *JobCounters
	ErrorText string
}

// JobLogEntry is one job-scoped log row (the crawler_logs table).
type JobLogEntry struct {
	JobID   string         `json:"job_id"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// FetchRequest captures everything needed for one upstream HTTP call.
type FetchRequest struct {
	URL    string
	Header http.Header
}

// FetchResponse is the result of a successful fetch (a 2xx answer).
type FetchResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Summary is returned by a completed job run.
type Summary struct {
	JobID    string
	Status   JobStatus
	Counters JobCounters
}
