package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcallen/catalogue-harvester/internal/app"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitLogger()
	m.Run()
}

// setupTest points every provider at its in-process implementation and
// zeroes the pacing knobs so runs finish instantly.
func setupTest() {
	viper.Reset()
	viper.Set("store.provider", "memory")
	viper.Set("archive.provider", "noop")
	viper.Set("notify.provider", "noop")
	viper.Set("fetcher.min_interval", "0s")
	viper.Set("job.pace_min", "0s")
	viper.Set("job.pace_max", "0s")
}

// captureApp swaps the application factory for one that hands the built
// App to the test, optionally seeding its store first.
func captureApp(t *testing.T, seed func(t *testing.T, s harvest.RecordStore)) func() *app.App {
	t.Helper()
	var captured *app.App
	orig := newApp
	newApp = func(ctx context.Context) (*app.App, error) {
		a, err := app.NewApp(ctx)
		if err != nil {
			return nil, err
		}
		if seed != nil {
			seed(t, a.Store)
		}
		captured = a
		return a, nil
	}
	t.Cleanup(func() { newApp = orig })
	return func() *app.App { return captured }
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"crawl", "crawl-file", "ensure-top", "check", "serve"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCmd_AppInitFailure(t *testing.T) {
	setupTest()
	orig := newApp
	newApp = func(context.Context) (*app.App, error) {
		return nil, errors.New("boom")
	}
	t.Cleanup(func() { newApp = orig })

	_, err := executeCommand(t, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

func TestCrawlFileCmd_ImportsCandidates(t *testing.T) {
	setupTest()
	getApp := captureApp(t, nil)

	_, err := executeCommand(t, "crawl-file", "--path", "testdata/candidates.json")
	require.NoError(t, err)

	a := getApp()
	require.NotNil(t, a)
	entities, err := a.Store.Find(context.Background(), harvest.Query{})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Technical University of Munich", entities[0].Name)
	assert.Equal(t, "Delft University of Technology", entities[1].Name)
	require.NotNil(t, entities[0].Rank)
	assert.Equal(t, 28, *entities[0].Rank)
}

func TestCrawlFileCmd_RequiresPath(t *testing.T) {
	setupTest()

	_, err := executeCommand(t, "crawl-file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestCrawlCmd_HarvestsFromEndpoint(t *testing.T) {
	setupTest()
	getApp := captureApp(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"title":"<a href=\"/universities/mit\">Massachusetts Institute of Technology (MIT)</a>","rank_display":"=1","country":"United States","overall":"100"},
			{"title":"Harvard University","rank_display":"4","country":"United States"}
		]}`))
	}))
	defer srv.Close()

	_, err := executeCommand(t, "crawl", "--main-url", srv.URL+"/main.json", "--limit", "5")
	require.NoError(t, err)

	a := getApp()
	require.NotNil(t, a)
	entities, err := a.Store.Find(context.Background(), harvest.Query{})
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "Massachusetts Institute of Technology (MIT)", entities[0].Name)
	require.NotNil(t, entities[0].Rank)
	assert.Equal(t, 1, *entities[0].Rank)
	assert.Equal(t, "Harvard University", entities[1].Name)
}

func TestEnsureTopCmd_SkipsWhenCovered(t *testing.T) {
	setupTest()
	getApp := captureApp(t, func(t *testing.T, s harvest.RecordStore) {
		t.Helper()
		for pos, name := range map[int]string{1: "MIT", 2: "Imperial", 3: "Oxford"} {
			_, err := s.Insert(context.Background(), harvest.Fields{
				harvest.FieldName:      name,
				harvest.FieldRank:      pos,
				harvest.FieldSourceURL: "https://www.qschina.cn/en/university-rankings",
			})
			require.NoError(t, err)
		}
	})

	_, err := executeCommand(t, "ensure-top", "--top", "3")
	require.NoError(t, err)

	// Coverage was complete, so no harvest ran and no rows were added.
	entities, err := getApp().Store.Find(context.Background(), harvest.Query{})
	require.NoError(t, err)
	assert.Len(t, entities, 3)
}

func TestCheckCmd_PassesOnCleanRanks(t *testing.T) {
	setupTest()
	captureApp(t, func(t *testing.T, s harvest.RecordStore) {
		t.Helper()
		_, err := s.Insert(context.Background(), harvest.Fields{
			harvest.FieldName: "Tsinghua University",
			harvest.FieldRank: 17,
			harvest.FieldAux: map[string]any{
				harvest.AuxRankDisplay: "=17",
			},
		})
		require.NoError(t, err)
	})

	out, err := executeCommand(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "audited 1 records: 0 ambiguous rank literals")
}

func TestCheckCmd_FailsOnAmbiguousRank(t *testing.T) {
	setupTest()
	captureApp(t, func(t *testing.T, s harvest.RecordStore) {
		t.Helper()
		_, err := s.Insert(context.Background(), harvest.Fields{
			harvest.FieldName: "Somewhere Polytechnic",
			harvest.FieldAux: map[string]any{
				harvest.AuxRankDisplay: "unranked",
			},
		})
		require.NoError(t, err)
	})

	out, err := executeCommand(t, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank audit found 1 ambiguous literal(s)")
	assert.Contains(t, out, "Somewhere Polytechnic")
	assert.Contains(t, out, `"unranked"`)
}
