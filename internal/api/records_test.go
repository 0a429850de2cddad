package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	storemem "github.com/pcallen/catalogue-harvester/internal/store/memory"
)

func TestServer_ListRecords_Filters(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 10, config.FeedConfig{Limit: 20})
	seedRecord(t, ts.store, "Massachusetts Institute of Technology (MIT)", "United States", 1,
		"https://www.qschina.cn/en/university-rankings/world-university-rankings/2026")
	seedRecord(t, ts.store, "Imperial College London", "United Kingdom", 2,
		"https://www.qschina.cn/en/university-rankings/world-university-rankings/2026")
	seedRecord(t, ts.store, "University of Oxford", "United Kingdom", 4,
		"https://files.example.com/seed.json")

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "no filters returns everything",
			query: "",
			want: []string{
				"Massachusetts Institute of Technology (MIT)",
				"Imperial College London",
				"University of Oxford",
			},
		},
		{
			name:  "name matches case-insensitive substrings",
			query: "?name=imperial",
			want:  []string{"Imperial College London"},
		},
		{
			name:  "country matches exactly",
			query: "?country=United+Kingdom",
			want:  []string{"Imperial College London", "University of Oxford"},
		},
		{
			name:  "source narrows by substring",
			query: "?source=qschina",
			want: []string{
				"Massachusetts Institute of Technology (MIT)",
				"Imperial College London",
			},
		},
		{
			name:  "max_rank bounds the stored rank",
			query: "?max_rank=2",
			want: []string{
				"Massachusetts Institute of Technology (MIT)",
				"Imperial College London",
			},
		},
		{
			name:  "filters combine with AND",
			query: "?country=United+Kingdom&max_rank=2",
			want:  []string{"Imperial College London"},
		},
		{
			name:  "limit caps the page",
			query: "?limit=1",
			want:  []string{"Massachusetts Institute of Technology (MIT)"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/records"+tc.query, nil)
			rec := httptest.NewRecorder()
			ts.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)

			var resp struct {
				Records []harvest.Entity `json:"records"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

			names := make([]string, 0, len(resp.Records))
			for _, e := range resp.Records {
				names = append(names, e.Name)
			}
			require.Equal(t, tc.want, names)
		})
	}
}

func TestServer_ListRecords_EmptyIsArray(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 10, config.FeedConfig{Limit: 20})
	req := httptest.NewRequest(http.MethodGet, "/v1/records?name=nowhere", nil)
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"records":[]}`, rec.Body.String())
}

func TestServer_ListRecords_BadParams(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		query string
		want  string
	}{
		{"zero limit", "?limit=0", "invalid limit"},
		{"negative limit", "?limit=-5", "invalid limit"},
		{"garbage limit", "?limit=abc", "invalid limit"},
		{"zero max_rank", "?max_rank=0", "invalid max_rank"},
		{"garbage max_rank", "?max_rank=top", "invalid max_rank"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, 10, config.FeedConfig{Limit: 20})
			req := httptest.NewRequest(http.MethodGet, "/v1/records"+tc.query, nil)
			rec := httptest.NewRecorder()
			ts.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestServer_ListRecords_CapsOversizedLimit(t *testing.T) {
	t.Parallel()

	q, err := recordQuery(httptest.NewRequest(http.MethodGet, "/v1/records?limit=9999", nil))
	require.NoError(t, err)
	require.Equal(t, maxRecordLimit, q.Limit)
}

func seedRecord(t *testing.T, store *storemem.Store, name, country string, rank int, sourceURL string) {
	t.Helper()
	_, err := store.Insert(context.Background(), harvest.Fields{
		harvest.FieldName:      name,
		harvest.FieldCountry:   country,
		harvest.FieldRank:      rank,
		harvest.FieldSourceURL: sourceURL,
	})
	require.NoError(t, err)
}
