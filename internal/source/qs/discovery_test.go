package qs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testFeedHash = "d1a52a9f8c0b4e1caa5de0cfbd0f8c2e"

func TestFindFeedPairs(t *testing.T) {
	pageURL := "https://www.qschina.cn/en/university-rankings/world-university-rankings/2026"

	t.Run("absolute pair with cache buster", func(t *testing.T) {
		text := fmt.Sprintf(`var cfg = {
			main: "https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s.txt?1756",
			ind:  "https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s_indicators.txt?1756",
		};`, testFeedHash, testFeedHash)

		pairs := findFeedPairs(text, pageURL)
		if len(pairs) != 1 {
			t.Fatalf("expected 1 pair, got %d", len(pairs))
		}
		wantMain := fmt.Sprintf("https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s.txt?1756", testFeedHash)
		if pairs[0].MainURL != wantMain {
			t.Fatalf("main url = %q, want %q", pairs[0].MainURL, wantMain)
		}
		wantInd := fmt.Sprintf("https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s_indicators.txt?1756", testFeedHash)
		if pairs[0].IndicatorsURL != wantInd {
			t.Fatalf("indicators url = %q, want %q", pairs[0].IndicatorsURL, wantInd)
		}
	})

	t.Run("relative url joined to page origin", func(t *testing.T) {
		text := fmt.Sprintf(`<a href="/zh-cn/sites/default/files/qs-rankings-data/%s.txt">data</a>`, testFeedHash)

		pairs := findFeedPairs(text, pageURL)
		if len(pairs) != 1 {
			t.Fatalf("expected 1 pair, got %d", len(pairs))
		}
		want := fmt.Sprintf("https://www.qschina.cn/zh-cn/sites/default/files/qs-rankings-data/%s.txt", testFeedHash)
		if pairs[0].MainURL != want {
			t.Fatalf("main url = %q, want %q", pairs[0].MainURL, want)
		}
		if pairs[0].IndicatorsURL != "" {
			t.Fatalf("expected no indicators url, got %q", pairs[0].IndicatorsURL)
		}
	})

	t.Run("groups by hash in first-seen order", func(t *testing.T) {
		first := "0123456789abcdef0123456789abcdef"
		second := "fedcba9876543210fedcba9876543210"
		text := fmt.Sprintf(`
			"https://host.example/sites/default/files/qs-rankings-data/en/%s.txt"
			"https://host.example/sites/default/files/qs-rankings-data/en/%s.txt"
			"https://host.example/sites/default/files/qs-rankings-data/en/%s_indicators.txt"
			"https://host.example/sites/default/files/qs-rankings-data/en/%s_indicators.txt"
		`, first, second, second, first)

		pairs := findFeedPairs(text, pageURL)
		if len(pairs) != 2 {
			t.Fatalf("expected 2 pairs, got %d", len(pairs))
		}
		if !strings.Contains(pairs[0].MainURL, first) {
			t.Fatalf("expected first-seen hash first, got %q", pairs[0].MainURL)
		}
		for i, p := range pairs {
			if p.IndicatorsURL == "" {
				t.Fatalf("pair %d missing indicators url", i)
			}
		}
	})

	t.Run("indicators without a main are dropped", func(t *testing.T) {
		text := fmt.Sprintf(`"https://host.example/sites/default/files/qs-rankings-data/%s_indicators.txt"`, testFeedHash)
		if pairs := findFeedPairs(text, pageURL); len(pairs) != 0 {
			t.Fatalf("expected no pairs, got %d", len(pairs))
		}
	})

	t.Run("plain text yields nothing", func(t *testing.T) {
		if pairs := findFeedPairs("nothing to see here", pageURL); len(pairs) != 0 {
			t.Fatalf("expected no pairs, got %d", len(pairs))
		}
	})
}

func TestDiscoverer_FindsEndpointsInPageHTML(t *testing.T) {
	mainURL := fmt.Sprintf("https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s.txt", testFeedHash)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><div data-feed="%s"></div></body></html>`, mainURL)
	}))
	defer srv.Close()

	d := NewDiscoverer(DiscoveryConfig{PageURL: srv.URL + "/", Timeout: 5 * time.Second}, zap.NewNop())
	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if got.MainURL != mainURL {
		t.Fatalf("main url = %q, want %q", got.MainURL, mainURL)
	}
}

func TestDiscoverer_FallsBackToScriptScan(t *testing.T) {
	mainURL := fmt.Sprintf("https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s.txt", testFeedHash)
	indURL := fmt.Sprintf("https://www.qschina.cn/sites/default/files/qs-rankings-data/en/%s_indicators.txt", testFeedHash)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><script src="/static/app.js"></script></head><body>rankings</body></html>`)
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, `var endpoints = ["%s", "%s"];`, mainURL, indURL)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDiscoverer(DiscoveryConfig{PageURL: srv.URL + "/", Timeout: 5 * time.Second}, zap.NewNop())
	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if got.MainURL != mainURL {
		t.Fatalf("main url = %q, want %q", got.MainURL, mainURL)
	}
	if got.IndicatorsURL != indURL {
		t.Fatalf("indicators url = %q, want %q", got.IndicatorsURL, indURL)
	}
}

func TestDiscoverer_NoEndpointsAnywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing embedded</body></html>`)
	}))
	defer srv.Close()

	d := NewDiscoverer(DiscoveryConfig{PageURL: srv.URL + "/", Timeout: 5 * time.Second}, zap.NewNop())
	if _, err := d.Discover(context.Background()); !errors.Is(err, ErrNoFeed) {
		t.Fatalf("expected ErrNoFeed, got %v", err)
	}
}

func TestDiscoverer_PageFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDiscoverer(DiscoveryConfig{PageURL: srv.URL + "/", Timeout: 5 * time.Second}, zap.NewNop())
	_, err := d.Discover(context.Background())
	if err == nil || errors.Is(err, ErrNoFeed) {
		t.Fatalf("expected a fetch error, got %v", err)
	}
}

func TestDiscoverer_RequiresPageURL(t *testing.T) {
	d := NewDiscoverer(DiscoveryConfig{}, zap.NewNop())
	if _, err := d.Discover(context.Background()); err == nil {
		t.Fatal("expected an error for missing page url")
	}
}
