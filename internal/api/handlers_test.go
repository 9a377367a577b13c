package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/dispatch"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	result     dispatch.Result
	err        error
	lastReq    backend.SynthesisRequest
	shards     *shard.Map
	warnings   []string
	reshardErr error
}

func (f *fakeEngine) Name() string  { return "voicevox" }
func (f *fakeEngine) Route() string { return "/voice-synthesis-voicevox" }

func (f *fakeEngine) Dispatch(ctx context.Context, req backend.SynthesisRequest) (dispatch.Result, error) {
	f.lastReq = req
	if err := req.Validate(); err != nil {
		return dispatch.Result{}, err
	}
	return f.result, f.err
}

func (f *fakeEngine) Shards() *shard.Map { return f.shards }

func (f *fakeEngine) Reshard(ctx context.Context) shard.Result {
	f.reshardErr = ctx.Err()
	return shard.Result{Map: f.shards, Warnings: f.warnings}
}

type fakeStore struct {
	engine string
	limit  int
}

func (f *fakeStore) ListDispatches(ctx context.Context, engine string, limit int) ([]eventstore.Dispatch, error) {
	f.engine, f.limit = engine, limit
	return []eventstore.Dispatch{{ID: "d1", Engine: "voicevox", Outcome: eventstore.OutcomeOK, StatusCode: 200}}, nil
}

func newTestServer(t *testing.T, eng *fakeEngine, store DispatchLister) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewServer([]Engine{eng}, store, 1024, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestSynthesisSuccess(t *testing.T) {
	eng := &fakeEngine{result: dispatch.Result{ID: "abc", Audio: []byte("OggS-audio"), ContentType: "audio/ogg"}}
	srv := newTestServer(t, eng, nil)

	resp, data := post(t, srv.URL+"/voice-synthesis-voicevox", `{"text":"こんにちは","speaker":3,"speedScale":1.2}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/ogg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))
	assert.Equal(t, "abc", resp.Header.Get("X-Voicegate-Dispatch-Id"))
	assert.Equal(t, []byte("OggS-audio"), data)
	require.NotNil(t, eng.lastReq.SpeedScale)
	assert.Equal(t, 1.2, *eng.lastReq.SpeedScale)
}

func TestSynthesisErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"unavailable", dispatch.ErrNoBackend, http.StatusServiceUnavailable, "no healthy voicevox backend available"},
		{"upstream status", &dispatch.UpstreamError{StatusCode: 502, Err: &backend.StatusError{StatusCode: 502, Body: "secret"}}, http.StatusBadGateway, "upstream synthesis failed"},
		{"upstream network", &dispatch.UpstreamError{Err: errors.New("dial tcp: refused")}, http.StatusInternalServerError, "upstream synthesis failed"},
		{"transcode", &dispatch.TranscodeError{Err: errors.New("ffmpeg missing")}, http.StatusInternalServerError, "audio transcode failed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeEngine{err: tc.err}, nil)
			resp, data := post(t, srv.URL+"/voice-synthesis-voicevox", `{"text":"hi","speaker":1}`)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decodeError(t, data)
			assert.Equal(t, tc.message, body.Error)
			assert.NotContains(t, string(data), "secret")
		})
	}
}

func TestSynthesisValidationDetails(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil)
	resp, data := post(t, srv.URL+"/voice-synthesis-voicevox", `{"text":"","pitchScale":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error   string               `json:"error"`
		Details []backend.FieldError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "invalid request", body.Error)
	fields := []string{}
	for _, f := range body.Details {
		fields = append(fields, f.Field)
	}
	assert.ElementsMatch(t, []string{"text", "speaker", "pitchScale"}, fields)
}

func TestSynthesisRejectsBadBodies(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{}, nil)

	resp, data := post(t, srv.URL+"/voice-synthesis-voicevox", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON body", decodeError(t, data).Error)

	large := `{"text":"` + strings.Repeat("あ", 1024) + `","speaker":1}`
	resp, _ = post(t, srv.URL+"/voice-synthesis-voicevox", large)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	get, err := http.Get(srv.URL + "/voice-synthesis-voicevox")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestShardedAndReshard(t *testing.T) {
	eng := &fakeEngine{
		shards:   shard.Partition([]shard.Style{{StyleID: 0}, {StyleID: 1}}, []string{"http://h1"}, 2),
		warnings: []string{"roster fetch from http://h2 failed"},
	}
	srv := newTestServer(t, eng, nil)

	resp, err := http.Get(srv.URL + "/voice-synthesis-voicevox/speakers/sharded")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var shards []shard.Shard
	require.NoError(t, json.Unmarshal(data, &shards))
	require.Len(t, shards, 2)
	assert.Equal(t, "http://h1", shards[1].EngineURL)

	assert.NotEmpty(t, resp.Header.Get(ComputedAtHeader))

	resp, _ = post(t, srv.URL+"/voice-synthesis-voicevox/speakers/reshard", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"roster fetch from http://h2 failed"}, resp.Header.Values("X-Voicegate-Warning"))
}

func TestReshardOutlivesCallerCancellation(t *testing.T) {
	eng := &fakeEngine{shards: shard.Partition([]shard.Style{{StyleID: 0}}, []string{"http://h1"}, 1)}
	mux := http.NewServeMux()
	NewServer([]Engine{eng}, nil, 1024, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/voice-synthesis-voicevox/speakers/reshard", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, eng.reshardErr)
}

func TestDispatches(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(t, &fakeEngine{}, store)

	resp, err := http.Get(srv.URL + "/dispatches?engine=voicevox&limit=5000")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "voicevox", store.engine)
	assert.Equal(t, maxListLimit, store.limit)
	var records []eventstore.Dispatch
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "d1", records[0].ID)

	resp, err = http.Get(srv.URL + "/dispatches?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	empty := newTestServer(t, &fakeEngine{}, nil)
	resp, err = http.Get(empty.URL + "/dispatches")
	require.NoError(t, err)
	data, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `[]`, string(data))
}
