// Package memory provides an in-memory RecordStore for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// Store keeps catalogue entities, job records, and job logs in process
// memory. All methods are safe for concurrent use and every read hands
// out copies.
type Store struct {
	mu       sync.Mutex
	clock    harvest.Clock
	ids      harvest.IDGenerator
	entities map[string]harvest.Entity
	order    []string
	jobs     map[string]harvest.JobRecord
	logs     []harvest.JobLogEntry
}

// New builds an empty Store. The clock stamps created/completed times and
// the generator mints entity and job ids.
func New(clock harvest.Clock, ids harvest.IDGenerator) *Store {
	return &Store{
		clock:    clock,
		ids:      ids,
		entities: make(map[string]harvest.Entity),
		jobs:     make(map[string]harvest.JobRecord),
	}
}

// Find returns entities matching every predicate, in insertion order.
func (s *Store) Find(_ context.Context, q harvest.Query) ([]harvest.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []harvest.Entity
	for _, id := range s.order {
		entity := s.entities[id]
		if !matchesAll(entity, q.Matches) {
			continue
		}
		out = append(out, copyEntity(entity))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Insert stores a new entity and returns its id.
func (s *Store) Insert(_ context.Context, fields harvest.Fields) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", &harvest.WriteError{Op: "insert", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entity := harvest.Entity{ID: id}
	applyFields(&entity, fields)
	now := s.clock.Now()
	entity.CreatedAt = &now

	s.entities[id] = entity
	s.order = append(s.order, id)
	return id, nil
}

// Patch applies fields to the entity with the given id, returning false
// when no such entity exists.
func (s *Store) Patch(_ context.Context, id string, fields harvest.Fields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[id]
	if !ok {
		return false, nil
	}
	applyFields(&entity, fields)
	now := s.clock.Now()
	entity.UpdatedAt = &now
	s.entities[id] = entity
	return true, nil
}

// CreateJob opens a job record.
func (s *Store) CreateJob(_ context.Context, name string, status harvest.JobStatus, metadata map[string]any) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", &harvest.WriteError{Op: "create job", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[id] = harvest.JobRecord{
		ID:        id,
		Name:      name,
		Status:    status,
		Metadata:  maps.Clone(metadata),
		CreatedAt: s.clock.Now(),
	}
	return id, nil
}

// GetJob returns a copy of the job record.
func (s *Store) GetJob(_ context.Context, id string) (harvest.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return harvest.JobRecord{}, fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)
	}
	return copyJob(job), nil
}

// UpdateJob applies a partial update; terminal statuses stamp the
// completion time.
func (s *Store) UpdateJob(_ context.Context, id string, update harvest.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return &harvest.WriteError{Op: "update job", Err: fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)}
	}
	if update.Status != "" {
		job.Status = update.Status
		if update.Status.Terminal() && job.CompletedAt == nil {
			now := s.clock.Now()
			job.CompletedAt = &now
		}
	}
	if update.Counters != nil {
		job.Counters = *update.Counters
	}
	if update.ErrorText != "" {
		job.ErrorText = update.ErrorText
	}
	s.jobs[id] = job
	return nil
}

// AppendJobLogs records a batch of job log rows.
func (s *Store) AppendJobLogs(_ context.Context, entries []harvest.JobLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		entry.Context = maps.Clone(entry.Context)
		s.logs = append(s.logs, entry)
	}
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(context.Context) error { return nil }

// Entities returns copies of all stored entities in insertion order.
func (s *Store) Entities() []harvest.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]harvest.Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyEntity(s.entities[id]))
	}
	return out
}

// Jobs returns copies of all job records, ordered by creation time.
func (s *Store) Jobs() []harvest.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]harvest.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Logs returns copies of all recorded job log rows.
func (s *Store) Logs() []harvest.JobLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]harvest.JobLogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

func matchesAll(entity harvest.Entity, matches []harvest.Match) bool {
	for _, m := range matches {
		if !matchOne(entity, m) {
			return false
		}
	}
	return true
}

func matchOne(entity harvest.Entity, m harvest.Match) bool {
	value := entity.Field(m.Field)
	switch m.Op {
	case harvest.MatchEq:
		return value != nil && stringify(value) == m.Value
	case harvest.MatchContains:
		stored, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(stored), strings.ToLower(m.Value))
	case harvest.MatchAtMost:
		stored, ok := toInt(value)
		if !ok {
			return false
		}
		bound, err := strconv.Atoi(m.Value)
		if err != nil {
			return false
		}
		return stored <= bound
	default:
		return false
	}
}

func applyFields(entity *harvest.Entity, fields harvest.Fields) {
	for key, value := range fields {
		if value == nil {
			continue
		}
		switch key {
		case harvest.FieldName:
			entity.Name = stringify(value)
		case harvest.FieldInitial:
			entity.Initial = stringify(value)
		case harvest.FieldType:
			entity.Type = stringify(value)
		case harvest.FieldCountry:
			entity.Country = stringify(value)
		case harvest.FieldLocation:
			entity.Location = stringify(value)
		case harvest.FieldYearFound:
			if n, ok := toInt(value); ok {
				entity.YearFounded = &n
			}
		case harvest.FieldRank:
			if n, ok := toInt(value); ok {
				entity.Rank = &n
			}
		case harvest.FieldWebsiteURL:
			entity.WebsiteURL = stringify(value)
		case harvest.FieldSourceURL:
			entity.SourceURL = stringify(value)
		case harvest.FieldConfidence:
			if f, ok := toFloat(value); ok {
				entity.Confidence = &f
			}
		case harvest.FieldAux:
			if m, ok := value.(map[string]any); ok {
				entity.Aux = maps.Clone(m)
			}
		case harvest.FieldStatus:
			entity.Status = stringify(value)
		}
	}
}

func copyEntity(e harvest.Entity) harvest.Entity {
	out := e
	out.Aux = maps.Clone(e.Aux)
	return out
}

func copyJob(j harvest.JobRecord) harvest.JobRecord {
	out := j
	out.Metadata = maps.Clone(j.Metadata)
	return out
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
