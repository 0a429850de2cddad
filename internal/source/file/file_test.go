package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

func writeCandidates(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candidates.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestEachYieldsCandidatesInOrder(t *testing.T) {
	t.Parallel()

	path := writeCandidates(t, `[
		{"name": "Alma College", "country": "United States", "raw_rank": "=44", "website_url": "https://alma.edu"},
		{"name": "Bravo Institute", "raw_rank": 12, "confidence": 0.95}
	]`)

	src := New(path)
	if got := src.Name(); got != "file:candidates.json" {
		t.Fatalf("unexpected source name: %s", got)
	}

	var seen []harvest.Candidate
	err := src.Each(context.Background(), func(c harvest.Candidate) error {
		seen = append(seen, c)
		return nil
	})
	if err != nil {
		t.Fatalf("each: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(seen))
	}
	if seen[0].Name != "Alma College" || seen[0].RawRank != "=44" {
		t.Fatalf("first candidate wrong: %+v", seen[0])
	}
	if seen[1].RawRank != float64(12) {
		t.Fatalf("numeric raw rank should decode as float64, got %T", seen[1].RawRank)
	}
	if seen[1].Confidence != 0.95 {
		t.Fatalf("confidence not decoded: %v", seen[1].Confidence)
	}
}

func TestEachStopsOnCallbackError(t *testing.T) {
	t.Parallel()

	path := writeCandidates(t, `[{"name": "A"}, {"name": "B"}, {"name": "C"}]`)

	boom := errors.New("boom")
	count := 0
	err := New(path).Each(context.Background(), func(harvest.Candidate) error {
		count++
		if count == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if count != 2 {
		t.Fatalf("expected iteration to stop at 2, got %d", count)
	}
}

func TestEachRejectsBadInput(t *testing.T) {
	t.Parallel()

	if err := New(filepath.Join(t.TempDir(), "missing.json")).Each(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := writeCandidates(t, `{"name": "not an array"}`)
	if err := New(path).Each(context.Background(), nil); err == nil {
		t.Fatal("expected error for non-array payload")
	}
}

func TestEachHonorsCancellation(t *testing.T) {
	t.Parallel()

	path := writeCandidates(t, `[{"name": "A"}, {"name": "B"}]`)

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := New(path).Each(ctx, func(harvest.Candidate) error {
		count++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 candidate before cancel, got %d", count)
	}
}
