package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	recordQueryTimeout = 3 * time.Second
)

// listRecords handles GET /v1/records?name=&country=&source=&max_rank=&limit=.
// Filters combine with AND; name and source match as case-insensitive
// substrings, country matches exactly, max_rank bounds the stored rank.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q, err := recordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), recordQueryTimeout)
	defer cancel()

	records, err := s.store.Find(ctx, q)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []harvest.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func recordQuery(r *http.Request) (harvest.Query, error) {
	qp := r.URL.Query()

	limit := defaultRecordLimit
	if limStr := qp.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return harvest.Query{}, errors.New("invalid limit")
		}
		if val > maxRecordLimit {
			val = maxRecordLimit
		}
		limit = val
	}

	q := harvest.Query{Limit: limit}
	if name := strings.TrimSpace(qp.Get("name")); name != "" {
		q.Matches = append(q.Matches, harvest.Match{
			Field: harvest.FieldName, Op: harvest.MatchContains, Value: name,
		})
	}
	if country := strings.TrimSpace(qp.Get("country")); country != "" {
		q.Matches = append(q.Matches, harvest.Match{
			Field: harvest.FieldCountry, Op: harvest.MatchEq, Value: country,
		})
	}
	if src := strings.TrimSpace(qp.Get("source")); src != "" {
		q.Matches = append(q.Matches, harvest.Match{
			Field: harvest.FieldSourceURL, Op: harvest.MatchContains, Value: src,
		})
	}
	if rankStr := qp.Get("max_rank"); rankStr != "" {
		if val, err := strconv.Atoi(rankStr); err != nil || val <= 0 {
			return harvest.Query{}, errors.New("invalid max_rank")
		}
		q.Matches = append(q.Matches, harvest.Match{
			Field: harvest.FieldRank, Op: harvest.MatchAtMost, Value: rankStr,
		})
	}
	return q, nil
}
