package harvest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/rank"
)

// Engine reconciles candidates into the catalogue: insert when unknown,
// enrich an existing entity by filling empty fields, or skip when there
// is nothing to change.
type Engine struct {
	store  RecordStore
	logger *zap.Logger
}

// NewEngine builds an Engine on top of the given store.
func NewEngine(store RecordStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, logger: logger}
}

// Reconcile matches the candidate against the catalogue and applies the
// fill-only-empty discipline: existing non-empty fields are never
// touched, the entity name is never patched, and an already-ranked
// entity keeps its rank. The auxiliary payload is unioned key-wise with
// the incoming one (incoming wins) and the normalized rank is folded
// into it. Reconciling the same candidate twice yields Skipped the
// second time.
func (e *Engine) Reconcile(ctx context.Context, c Candidate) (Outcome, error) {
	return e.reconcile(ctx, c, true)
}

// ReconcileOverwrite is the overwrite variant: every non-empty candidate
// value replaces the stored one. The match ladder and aux merge behave
// exactly as in Reconcile.
func (e *Engine) ReconcileOverwrite(ctx context.Context, c Candidate) (Outcome, error) {
	return e.reconcile(ctx, c, false)
}

func (e *Engine) reconcile(ctx context.Context, c Candidate, fillOnlyEmpty bool) (Outcome, error) {
	name := strings.TrimSpace(c.Name)
	website := strings.TrimSpace(c.WebsiteURL)
	if c.ID == "" && name == "" && website == "" {
		return Outcome{}, errors.New("candidate carries no identity (id, name, or website)")
	}

	rv := rank.Normalize(c.RawRank)

	existing, err := e.match(ctx, c.ID, website, name)
	if err != nil {
		return Outcome{}, fmt.Errorf("match candidate %q: %w", name, err)
	}
	if existing != nil {
		return e.enrich(ctx, *existing, c, rv, fillOnlyEmpty)
	}
	return e.insert(ctx, c, name, website, rv)
}

// match walks the ladder: exact id, then stored website containing the
// candidate's URL, then stored name containing the candidate's name.
// First hit wins.
func (e *Engine) match(ctx context.Context, id, website, name string) (*Entity, error) {
	type probe struct {
		field string
		op    MatchOp
		value string
	}
	probes := []probe{
		{FieldID, MatchEq, id},
		{FieldWebsiteURL, MatchContains, website},
		{FieldName, MatchContains, name},
	}
	for _, p := range probes {
		if p.value == "" {
			continue
		}
		rows, err := e.store.Find(ctx, Query{
			Matches: []Match{{Field: p.field, Op: p.op, Value: p.value}},
			Limit:   1,
		})
		if err != nil {
			return nil, fmt.Errorf("find by %s: %w", p.field, err)
		}
		if len(rows) > 0 {
			return &rows[0], nil
		}
	}
	return nil, nil
}

func (e *Engine) enrich(ctx context.Context, existing Entity, c Candidate, rv rank.Value, fillOnlyEmpty bool) (Outcome, error) {
	patch := Fields{}

	for _, field := range EnrichableFields {
		newValue := candidateValue(c, field)
		if isEmpty(newValue) {
			continue
		}
		if !fillOnlyEmpty || isEmpty(existing.Field(field)) {
			patch[field] = newValue
		}
	}

	if rv.Lower != nil {
		if !fillOnlyEmpty || isEmpty(existing.Field(FieldRank)) {
			patch[FieldRank] = *rv.Lower
		}
	}

	aux := make(map[string]any, len(existing.Aux)+len(c.Aux)+3)
	maps.Copy(aux, existing.Aux)
	maps.Copy(aux, c.Aux)
	foldRank(aux, rv)
	if len(aux) > 0 && !reflect.DeepEqual(aux, existing.Aux) {
		patch[FieldAux] = aux
	}

	if len(patch) == 0 {
		e.logger.Debug("Nothing to fill",
			zap.String("entity_id", existing.ID),
			zap.String("name", existing.Name),
		)
		return Outcome{Kind: OutcomeSkipped, ID: existing.ID}, nil
	}

	ok, err := e.store.Patch(ctx, existing.ID, patch)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		e.logger.Warn("Patch matched no row", zap.String("entity_id", existing.ID))
		return Outcome{Kind: OutcomeSkipped}, nil
	}
	e.logger.Debug("Enriched entity",
		zap.String("entity_id", existing.ID),
		zap.Int("fields", len(patch)),
	)
	return Outcome{Kind: OutcomeEnriched, ID: existing.ID}, nil
}

func (e *Engine) insert(ctx context.Context, c Candidate, name, website string, rv rank.Value) (Outcome, error) {
	status := c.Status
	if status == "" {
		status = "pending"
	}

	aux := make(map[string]any, len(c.Aux)+3)
	maps.Copy(aux, c.Aux)
	foldRank(aux, rv)

	fields := Fields{
		FieldName:       name,
		FieldInitial:    c.Initial,
		FieldType:       c.Type,
		FieldCountry:    c.Country,
		FieldLocation:   c.Location,
		FieldWebsiteURL: website,
		FieldSourceURL:  c.SourceURL,
		FieldConfidence: c.Confidence,
		FieldAux:        aux,
		FieldStatus:     status,
	}
	if c.YearFounded != nil {
		fields[FieldYearFound] = *c.YearFounded
	}
	if rv.Lower != nil {
		fields[FieldRank] = *rv.Lower
	}

	id, err := e.store.Insert(ctx, fields)
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Debug("Inserted entity",
		zap.String("entity_id", id),
		zap.String("name", name),
	)
	return Outcome{Kind: OutcomeInserted, ID: id}, nil
}

// candidateValue returns the candidate's value for an enrichable column,
// nil when the candidate does not carry it.
func candidateValue(c Candidate, field string) any {
	switch field {
	case FieldYearFound:
		if c.YearFounded == nil {
			return nil
		}
		return *c.YearFounded
	case FieldCountry:
		return c.Country
	case FieldLocation:
		return c.Location
	case FieldWebsiteURL:
		return strings.TrimSpace(c.WebsiteURL)
	case FieldInitial:
		return c.Initial
	case FieldType:
		return c.Type
	case FieldConfidence:
		if c.Confidence == 0 {
			return nil
		}
		return c.Confidence
	case FieldSourceURL:
		return c.SourceURL
	default:
		return nil
	}
}

// isEmpty mirrors the catalogue's emptiness rule: nil and blank strings
// are empty; zero numbers are not.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func foldRank(aux map[string]any, rv rank.Value) {
	if rv.Display != "" {
		aux[AuxRankDisplay] = rv.Display
	}
	if rv.Lower != nil {
		aux[AuxRankLower] = *rv.Lower
	}
	if rv.Upper != nil {
		aux[AuxRankUpper] = *rv.Upper
	}
}
