package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segmatch/internal/corpus"
	"github.com/segmatch/internal/lock"
	"github.com/segmatch/internal/match"
	"github.com/segmatch/internal/matcher"
	"github.com/segmatch/internal/store"
	"github.com/segmatch/internal/store/bolt"
)

type staticSource []corpus.Record

func (s staticSource) FetchPage(ctx context.Context, offset, limit int) ([]corpus.Record, error) {
	if offset >= len(s) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s) {
		end = len(s)
	}
	return s[offset:end], nil
}

func intp(v int) *int { return &v }

type testEnv struct {
	store  *bolt.Store
	locker *lock.Local
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	s, err := bolt.NewStore(filepath.Join(t.TempDir(), "segmatch.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	src := staticSource{
		corpus.NewRecord("q1", "Queen St W", [4]*int{intp(100), intp(200), nil, nil},
			[]byte(`[[-79.400, 43.6480], [-79.398, 43.6485]]`)),
		corpus.NewRecord("s1", "Spadina Ave", [4]*int{intp(5), intp(9), nil, nil},
			[]byte(`[[-79.3960, 43.650], [-79.3962, 43.652]]`)),
	}
	names := match.NewNameCache(s, 64)
	locker := lock.NewLocal()
	refresher := corpus.NewRefresher(src, s, locker, names, corpus.DefaultOptions(), nil)
	orch := newOrchestrator(s, names, refresher)

	server := NewServer(Config{APIKey: apiKey}, orch, s, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{store: s, locker: locker, srv: ts}
}

func newOrchestrator(s *bolt.Store, names *match.NameCache, r *corpus.Refresher) *matcher.Orchestrator {
	return matcher.NewOrchestrator(s, names, match.NewFuzzyMatcher(match.DefaultMaxDistance), r, matcher.DefaultOptions(), nil)
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRefreshMatchAndMappings(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodPost, "/api/corpus/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refresh := decode[corpus.RefreshResult](t, resp)
	assert.True(t, refresh.Success)
	assert.Equal(t, 2, refresh.SegmentsStored)

	resp = env.do(t, http.MethodPost, "/api/corpus/refresh", "")
	refresh = decode[corpus.RefreshResult](t, resp)
	assert.True(t, refresh.FromCache)

	resp = env.do(t, http.MethodPost, "/api/disruptions/d1/match",
		`{"title": "Water main repair on Queen Street West near Spadina", "description": ""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[matcher.Outcome](t, resp)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "queen st w", out.Results[0].StreetName)
	assert.Equal(t, store.MatchExact, out.Results[0].MatchType)
	assert.Equal(t, "100-200 Queen St W", *out.Results[0].AddressFull)

	resp = env.do(t, http.MethodGet, "/api/disruptions/d1/mappings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decode[[]store.MappingView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, "q1", views[0].ExternalSegmentID)
	assert.Equal(t, "Queen St W", views[0].StreetName)

	resp = env.do(t, http.MethodGet, "/api/disruptions/unknown/mappings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.MappingView](t, resp))
}

func TestMatchStoredDisruption(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.do(t, http.MethodPost, "/api/corpus/refresh", "")
	require.NoError(t, env.store.UpsertDisruption(ctx, store.Disruption{ID: "s", Title: "Closure on Spadina Avenue"}))

	resp := env.do(t, http.MethodPost, "/api/disruptions/s/match", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[matcher.Outcome](t, resp)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "5-9 Spadina Ave", *out.Results[0].AddressFull)

	resp = env.do(t, http.MethodPost, "/api/disruptions/nope/match", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/disruptions/s/match", `{"title": `)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatchBatchEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/api/corpus/refresh", "")

	resp := env.do(t, http.MethodPost, "/api/disruptions/match", `{"disruptions": [
		{"id": "a", "title": "Closure on Spadina Avenue"},
		{"id": "b", "title": "subway delayed at this time"},
		{"id": "c", "title": "Queen Street West lane closure"}
	]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[matcher.BatchStats](t, resp)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Matched)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Zero(t, stats.Failed)

	resp = env.do(t, http.MethodPost, "/api/disruptions/match", `{"disruptions": [{"title": "x"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatchBatchStoredRecords(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	env.do(t, http.MethodPost, "/api/corpus/refresh", "")
	require.NoError(t, env.store.UpsertDisruption(ctx, store.Disruption{ID: "a", Title: "Closure on Spadina Avenue"}))
	require.NoError(t, env.store.UpsertDisruption(ctx, store.Disruption{ID: "b", Title: "Quiet day"}))

	resp := env.do(t, http.MethodPost, "/api/disruptions/match", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[matcher.BatchStats](t, resp)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Matched)
}

func TestRefreshConflict(t *testing.T) {
	env := newTestEnv(t, "")
	release, err := env.locker.Acquire(context.Background(), corpus.LockKey, time.Minute)
	require.NoError(t, err)
	defer release(context.Background())

	resp := env.do(t, http.MethodPost, "/api/corpus/refresh?force=true", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSegmentsNear(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/api/corpus/refresh", "")

	resp := env.do(t, http.MethodGet, "/api/segments/near?lat=43.64825&lon=-79.399", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	segs := decode[[]store.StreetSegment](t, resp)
	require.NotEmpty(t, segs)
	for _, s := range segs {
		assert.True(t, s.HasCenter())
	}

	resp = env.do(t, http.MethodGet, "/api/segments/near?lat=abc&lon=1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/segments/near?lat=123&lon=1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t, "secret")

	resp := env.do(t, http.MethodGet, "/api/disruptions/a/mappings", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/disruptions/a/mappings", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health stays open
	resp = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreflightBypassesAPIKey(t *testing.T) {
	env := newTestEnv(t, "secret")

	for _, path := range []string{
		"/health",
		"/api/corpus/refresh",
		"/api/segments/near",
		"/api/disruptions/match",
		"/api/disruptions/a/match",
		"/api/disruptions/a/mappings",
	} {
		t.Run(path, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodOptions, env.srv.URL+path, nil)
			require.NoError(t, err)
			req.Header.Set("Origin", "https://example.org")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-API-Key")
		})
	}

	// a plain GET still needs the key
	resp := env.do(t, http.MethodGet, "/api/disruptions/a/mappings", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
