package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/dispatch"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/metrics"
	storemem "github.com/pcallen/catalogue-harvester/internal/store/memory"
)

// ExampleServer_Handler shows how to serve the /v1/records endpoint.
func ExampleServer_Handler() {
	metrics.Init()

	store := storemem.New(fixedClock{now: time.Unix(0, 0)}, &seqIDGen{})
	if _, err := store.Insert(context.Background(), harvest.Fields{
		harvest.FieldName:    "Imperial College London",
		harvest.FieldCountry: "United Kingdom",
		harvest.FieldRank:    2,
	}); err != nil {
		panic(err)
	}

	srv := NewServer(
		store,
		dispatch.New(1, nil, zap.NewNop()),
		&stubSourceBuilder{},
		config.APIConfig{RequestTimeout: 30 * time.Second},
		config.FeedConfig{Limit: 20},
		zap.NewNop(),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/records?country=United+Kingdom", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var payload struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned records: %d\n", len(payload.Records))
	// Output:
	// returned records: 1
}
