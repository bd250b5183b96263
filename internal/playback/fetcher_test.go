package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// mediaServer serves a fixed set of chunks the way the real media server
// does: payloads by index plus the last-index summary.
func mediaServer(t *testing.T, competitionID string, chunks [][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chunks/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("competitionId") != competitionID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"data":{"lastIndex":%d}}`, len(chunks)-1)
	})
	mux.HandleFunc(fmt.Sprintf("GET /api/chunks/%s/{index}", competitionID), func(w http.ResponseWriter, r *http.Request) {
		var index int
		if _, err := fmt.Sscanf(r.PathValue("index"), "%d", &index); err != nil || index < 0 || index >= len(chunks) {
			http.NotFound(w, r)
			return
		}
		w.Write(chunks[index])
	})
	return httptest.NewServer(mux)
}

func TestHTTPFetcher(t *testing.T) {
	srv := mediaServer(t, "a1", [][]byte{[]byte("zero"), []byte("one")})
	defer srv.Close()
	f := NewHTTPFetcher(srv.URL)
	ctx := context.Background()

	data, err := f.Fetch(ctx, "a1", 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("chunk payload = %q, want one", data)
	}

	// A chunk the server does not hold yet maps to the hold signal.
	if _, err := f.Fetch(ctx, "a1", 7); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("missing chunk: got %v, want ErrNotAvailable", err)
	}

	total, err := f.Total(ctx, "a1")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}

	// An unknown competition has no chunks.
	total, err = f.Total(ctx, "unknown")
	if err != nil {
		t.Fatalf("Total on unknown competition: %v", err)
	}
	if total != 0 {
		t.Fatalf("total for unknown competition = %d, want 0", total)
	}
}

func TestFinishedPlaybackOverHTTPWritesStreamInOrder(t *testing.T) {
	chunks := [][]byte{[]byte("AAA"), []byte("BBB"), []byte("CCC")}
	srv := mediaServer(t, "a1", chunks)
	defer srv.Close()

	var out bytes.Buffer
	player := NewPlayer(Config{}, NewHTTPFetcher(srv.URL),
		NewWriterSurface(&out), NewWriterSurface(&out))

	if err := player.PlayFinished(context.Background(), "a1", nil); err != nil {
		t.Fatalf("PlayFinished: %v", err)
	}
	if got := out.String(); got != "AAABBBCCC" {
		t.Fatalf("reconstructed stream = %q, want AAABBBCCC", got)
	}
}
