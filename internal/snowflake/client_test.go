package snowflake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	_, cfg := testSnowflakeConfig(t)
	c, err := NewClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_AuthenticateDiscoversIngestHost(t *testing.T) {
	var sawTokenType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/streaming/hostname" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer token")
		}
		sawTokenType = r.Header.Get("X-Snowflake-Authorization-Token-Type")
		fmt.Fprint(w, "ingest_host.example.com\n")
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.baseURL = srv.URL

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sawTokenType != "KEYPAIR_JWT" {
		t.Errorf("token type header = %q, want KEYPAIR_JWT", sawTokenType)
	}
	// Underscores in the discovered hostname are replaced with dashes.
	if c.ingestHost != "https://ingest-host.example.com" {
		t.Errorf("ingestHost = %q", c.ingestHost)
	}
	if c.token == "" {
		t.Error("JWT should be retained as the ingest bearer token")
	}
}

// streamStub fakes the channel-open and row-insert endpoints, handing out a
// fresh continuation token on every call and checking the caller echoes the
// previous one.
type streamStub struct {
	t *testing.T

	mu         sync.Mutex
	nextToken  int
	lastIssued string
	inserts    []string // NDJSON bodies
	sequencers []string
	fail401    int // number of requests to reject with 401 first
}

func (s *streamStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.fail401 > 0 {
			s.fail401--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/channels/"):
			s.nextToken++
			s.lastIssued = fmt.Sprintf("token-%d", s.nextToken)
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				s.t.Errorf("open channel body: %v", err)
			}
			if body["role"] == "" {
				s.t.Error("open channel body missing role")
			}
			json.NewEncoder(w).Encode(map[string]any{
				"client_sequencer":        7,
				"next_continuation_token": s.lastIssued,
			})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rows"):
			if got := r.URL.Query().Get("continuationToken"); got != s.lastIssued {
				s.t.Errorf("continuation token = %q, want %q", got, s.lastIssued)
			}
			if ct := r.Header.Get("Content-Type"); ct != "application/x-ndjson" {
				s.t.Errorf("content type = %q", ct)
			}
			s.sequencers = append(s.sequencers, r.Header.Get("X-Snowflake-Client-Sequencer"))
			body, _ := io.ReadAll(r.Body)
			s.inserts = append(s.inserts, string(body))

			s.nextToken++
			s.lastIssued = fmt.Sprintf("token-%d", s.nextToken)
			json.NewEncoder(w).Encode(map[string]any{
				"next_continuation_token": s.lastIssued,
			})

		default:
			s.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestClient_ContinuationTokenChain(t *testing.T) {
	stub := &streamStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t)
	c.ingestHost = srv.URL
	c.token = "test-jwt"

	ctx := context.Background()
	token, err := c.OpenChannel(ctx, "LANDING_ORDERS", "PIPELINE_1")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if token != "token-1" {
		t.Fatalf("open token = %q", token)
	}
	if c.sequencer != 7 {
		t.Errorf("sequencer = %d, want 7", c.sequencer)
	}

	rows := []json.RawMessage{
		json.RawMessage(`{"ID":1,"OPERATION":"C"}`),
		json.RawMessage(`{"ID":2,"OPERATION":"U"}`),
	}

	// Each insert must echo the token from the previous response.
	token, err = c.InsertRows(ctx, "LANDING_ORDERS", "PIPELINE_1", rows, token)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token after first insert = %q", token)
	}
	token, err = c.InsertRows(ctx, "LANDING_ORDERS", "PIPELINE_1", rows[:1], token)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if token != "token-3" {
		t.Errorf("token after second insert = %q", token)
	}

	if len(stub.inserts) != 2 {
		t.Fatalf("server saw %d inserts, want 2", len(stub.inserts))
	}
	if want := `{"ID":1,"OPERATION":"C"}` + "\n" + `{"ID":2,"OPERATION":"U"}` + "\n"; stub.inserts[0] != want {
		t.Errorf("NDJSON body:\n  got:  %q\n  want: %q", stub.inserts[0], want)
	}
	for _, seq := range stub.sequencers {
		if seq != "7" {
			t.Errorf("sequencer header = %q, want 7 (echoed, never incremented)", seq)
		}
	}
}

func TestClient_Retries401Once(t *testing.T) {
	stub := &streamStub{t: t, fail401: 1}
	mux := http.NewServeMux()
	mux.Handle("/", stub.handler())
	mux.HandleFunc("/v2/streaming/hostname", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ingest.example.com")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	c.baseURL = srv.URL
	c.token = "stale-jwt"
	c.ingestHost = srv.URL

	token, err := c.OpenChannel(context.Background(), "LANDING_X", "S")
	if err != nil {
		t.Fatalf("OpenChannel should recover from a single 401: %v", err)
	}
	if token == "" {
		t.Error("expected a continuation token after re-auth")
	}
}

func TestClient_SecondConsecutive401Fails(t *testing.T) {
	stub := &streamStub{t: t, fail401: 10}
	mux := http.NewServeMux()
	mux.Handle("/", stub.handler())
	mux.HandleFunc("/v2/streaming/hostname", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ingest.example.com")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t)
	c.baseURL = srv.URL
	c.token = "stale-jwt"
	c.ingestHost = srv.URL

	if _, err := c.OpenChannel(context.Background(), "LANDING_X", "S"); err == nil {
		t.Fatal("persistent 401 must surface as an error")
	}
}

func TestClient_NonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "upstream connect error")
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.ingestHost = srv.URL
	c.token = "jwt"

	_, err := c.InsertRows(context.Background(), "LANDING_X", "S", []json.RawMessage{json.RawMessage(`{}`)}, "tok")
	if err == nil {
		t.Fatal("5xx must surface as an error")
	}
	if !strings.Contains(err.Error(), "connect error") {
		t.Errorf("error should carry the response body for classification: %v", err)
	}
}
