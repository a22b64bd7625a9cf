package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/store"
)

// fakeStore counts admin calls and fails with err when set.
type fakeStore struct {
	mu       sync.Mutex
	stats    store.Stats
	err      error
	flushes  int
	compacts int
}

func (f *fakeStore) Stats() (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.err
}

func (f *fakeStore) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.err
}

func (f *fakeStore) Compact(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compacts++
	return f.err
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeReply(t *testing.T, rr *httptest.ResponseRecorder) Reply {
	t.Helper()

	var resp Reply
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%s", rr.Body.String())
	return resp
}

func TestHealthHandler(t *testing.T) {
	fs := &fakeStore{stats: store.Stats{StoreID: "id-1", Seq: 9}}
	s := NewServer(fs, config.AdminConfig{})

	rr := serve(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, Reply{State: StateServing, StoreID: "id-1", Seq: 9}, decodeReply(t, rr))

	fs.stats.BackgroundError = "flush: disk full"
	rr = serve(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	reply := decodeReply(t, rr)
	assert.Equal(t, StateDegraded, reply.State)
	assert.Equal(t, "flush: disk full", reply.Error)

	fs.err = dberrors.ErrClosed
	rr = serve(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestFlushAndCompactHandlers(t *testing.T) {
	fs := &fakeStore{}
	s := NewServer(fs, config.AdminConfig{})

	rr := serve(t, s, http.MethodPost, "/flush")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, StateDone, decodeReply(t, rr).State)

	rr = serve(t, s, http.MethodPost, "/compact")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, fs.flushes)
	assert.Equal(t, 1, fs.compacts)

	fs.err = errors.New("boom")
	rr = serve(t, s, http.MethodPost, "/compact")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	resp := decodeReply(t, rr)
	assert.Equal(t, StateFailed, resp.State)
	assert.Equal(t, "boom", resp.Error)
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(&fakeStore{}, config.AdminConfig{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/health"},
		{http.MethodGet, "/flush"},
		{http.MethodGet, "/compact"},
		{http.MethodDelete, "/stats"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusMethodNotAllowed, serve(t, s, tc.method, tc.path).Code)
		})
	}
}

func TestAgainstStore(t *testing.T) {
	cfg := config.DefaultDB()
	cfg.WAL.Sync = config.SyncNone
	st, err := store.Open(t.TempDir(), &cfg)
	require.NoError(t, err)
	defer st.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, st.Put([]byte(k), []byte("v")))
	}

	s := NewServer(st, config.AdminConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	post := func(path string) int {
		resp, err := http.Post(s.URL+path, contentTypeJSON, nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, post("/flush"))
	require.Equal(t, http.StatusOK, post("/compact"))

	resp, err := http.Get(s.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats store.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(3), stats.Seq)
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Zero(t, stats.Levels[0].Segments)
	assert.NotEmpty(t, stats.StoreID)

	mresp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "lsmkv_last_sequence 3")
	assert.Contains(t, string(body), "lsmkv_healthy 1")
}
