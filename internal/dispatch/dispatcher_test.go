package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/health"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoStepPaths = backend.Paths{Roster: "/speakers", Synthesis: "/synthesis", Query: "/audio_query"}

type fakeEngine struct {
	srv *httptest.Server

	mu       sync.Mutex
	status   int
	queries  int
	speakers []string
	uuids    []string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{status: http.StatusOK}
	e.srv = httptest.NewServer(http.HandlerFunc(e.serve))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()

	switch r.URL.Path {
	case "/audio_query":
		e.mu.Lock()
		e.queries++
		e.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "internal engine stack trace", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"speedScale": 1.0})
	case "/synthesis", "/v1/synthesis":
		e.mu.Lock()
		e.speakers = append(e.speakers, r.URL.Query().Get("speaker"))
		if r.URL.Path == "/v1/synthesis" {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			uuid, _ := body["speakerUuid"].(string)
			e.uuids = append(e.uuids, uuid)
		}
		e.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "internal engine stack trace", status)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF-from-" + r.Host))
	default:
		http.NotFound(w, r)
	}
}

func (e *fakeEngine) setStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

func (e *fakeEngine) synthCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.speakers...)
}

type staticProber map[string]bool

func (p staticProber) Probe(ctx context.Context, inst backend.Instance) error {
	if p[inst.BaseURL] {
		return nil
	}
	return errors.New("down")
}

type fakeTranscoder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, raw []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("OGG:"), raw...), nil
}

func (f *fakeTranscoder) ContentType() string { return "audio/ogg" }

type memRecorder struct {
	mu      sync.Mutex
	records []eventstore.Dispatch
}

func (m *memRecorder) RecordDispatch(ctx context.Context, d eventstore.Dispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, d)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	transcoder *fakeTranscoder
	recorder   *memRecorder
	table      *shard.Table
}

func newFixture(t *testing.T, family backend.Family, urls []string, healthy map[string]bool, fb backend.Fallback, paths backend.Paths) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	instances := make([]backend.Instance, 0, len(urls))
	for _, u := range urls {
		instances = append(instances, backend.Instance{BaseURL: u, Paths: paths})
	}
	monitor := health.NewMonitor("test", instances, staticProber(healthy), log)
	monitor.ProbeAll(context.Background())

	f := &fixture{
		transcoder: &fakeTranscoder{},
		recorder:   &memRecorder{},
		table:      shard.NewTable(),
	}
	f.dispatcher = New(Options{
		Engine:     "test",
		Family:     family,
		Client:     backend.NewClient(nil, backend.Timeouts{Probe: time.Second, Roster: time.Second, Call: 2 * time.Second}),
		Health:     monitor,
		Shards:     f.table,
		Fallback:   fb,
		Paths:      paths,
		Transcoder: f.transcoder,
		Recorder:   f.recorder,
	}, log)
	return f
}

func request(style int) backend.SynthesisRequest {
	return backend.SynthesisRequest{Text: "こんにちは", Speaker: &style}
}

func TestShardLookupOverridesFirstHealthy(t *testing.T) {
	a, b := newFakeEngine(t), newFakeEngine(t)
	urls := []string{a.srv.URL, b.srv.URL}
	f := newFixture(t, backend.TwoStep{}, urls, map[string]bool{a.srv.URL: true, b.srv.URL: true}, backend.Fallback{StyleID: 2}, twoStepPaths)
	f.table.Store(shard.Partition([]shard.Style{{StyleID: 1}, {StyleID: 5}}, urls, 2))

	res, err := f.dispatcher.Dispatch(context.Background(), request(5))
	require.NoError(t, err)
	assert.Equal(t, b.srv.URL, res.EngineURL)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "audio/ogg", res.ContentType)
	assert.Contains(t, string(res.Audio), "OGG:RIFF-from-")
	assert.Empty(t, a.synthCalls())
	assert.Equal(t, []string{"5"}, b.synthCalls())
}

func TestConcreteScenarioRouting(t *testing.T) {
	h1, h2 := newFakeEngine(t), newFakeEngine(t)
	urls := []string{h1.srv.URL, h2.srv.URL}
	roster := []shard.Style{{StyleID: 0}, {StyleID: 1}, {StyleID: 2}, {StyleID: 3}}

	f := newFixture(t, backend.TwoStep{}, urls, map[string]bool{h1.srv.URL: true, h2.srv.URL: true}, backend.Fallback{StyleID: 0}, twoStepPaths)
	f.table.Store(shard.Partition(roster, urls, 3))
	res, err := f.dispatcher.Dispatch(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, h2.srv.URL, res.EngineURL)

	down := newFixture(t, backend.TwoStep{}, urls, map[string]bool{h1.srv.URL: true}, backend.Fallback{StyleID: 0}, twoStepPaths)
	down.table.Store(shard.Partition(roster, urls, 3))
	res, err = down.dispatcher.Dispatch(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, h1.srv.URL, res.EngineURL)
}

func TestNoHealthyBackendFailsBeforeOutboundCalls(t *testing.T) {
	a := newFakeEngine(t)
	f := newFixture(t, backend.TwoStep{}, []string{a.srv.URL}, nil, backend.Fallback{StyleID: 2, EngineURL: a.srv.URL}, twoStepPaths)

	_, err := f.dispatcher.Dispatch(context.Background(), request(1))
	require.ErrorIs(t, err, ErrNoBackend)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
	assert.Empty(t, a.synthCalls())
	assert.Zero(t, f.transcoder.calls)

	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, eventstore.OutcomeUnavailable, f.recorder.records[0].Outcome)
}

func TestRetryOnceWithFallbackVoice(t *testing.T) {
	primary, fallback := newFakeEngine(t), newFakeEngine(t)
	primary.setStatus(http.StatusInternalServerError)
	f := newFixture(t, backend.TwoStep{}, []string{primary.srv.URL}, map[string]bool{primary.srv.URL: true},
		backend.Fallback{StyleID: 2, EngineURL: fallback.srv.URL}, twoStepPaths)

	res, err := f.dispatcher.Dispatch(context.Background(), request(7))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.StyleID)
	assert.Equal(t, fallback.srv.URL, res.EngineURL)
	assert.Equal(t, []string{"2"}, fallback.synthCalls())

	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.Equal(t, eventstore.OutcomeOK, rec.Outcome)
	assert.Equal(t, 7, rec.RequestedStyle)
	assert.Equal(t, 2, rec.ServedStyle)
	assert.Equal(t, 2, rec.Attempts)
}

func TestSecondFailureSurfacesSingleUpstreamError(t *testing.T) {
	primary, fallback := newFakeEngine(t), newFakeEngine(t)
	primary.setStatus(http.StatusInternalServerError)
	fallback.setStatus(http.StatusBadGateway)
	f := newFixture(t, backend.TwoStep{}, []string{primary.srv.URL}, map[string]bool{primary.srv.URL: true},
		backend.Fallback{StyleID: 2, EngineURL: fallback.srv.URL}, twoStepPaths)

	_, err := f.dispatcher.Dispatch(context.Background(), request(7))
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
	assert.NotContains(t, err.Error(), "stack trace")
	assert.Len(t, fallback.synthCalls(), 0, "query failed so synthesis is never reached")
	primary.mu.Lock()
	assert.Equal(t, 1, primary.queries)
	primary.mu.Unlock()
	fallback.mu.Lock()
	assert.Equal(t, 1, fallback.queries)
	fallback.mu.Unlock()
	assert.Zero(t, f.transcoder.calls)
}

func TestUnreachableFallbackMapsToInternalError(t *testing.T) {
	primary := newFakeEngine(t)
	primary.setStatus(http.StatusServiceUnavailable)
	f := newFixture(t, backend.TwoStep{}, []string{primary.srv.URL}, map[string]bool{primary.srv.URL: true},
		backend.Fallback{StyleID: 2, EngineURL: "http://127.0.0.1:1"}, twoStepPaths)

	_, err := f.dispatcher.Dispatch(context.Background(), request(3))
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Zero(t, upstream.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
}

func TestRetryWithoutFallbackURLReusesInstance(t *testing.T) {
	primary := newFakeEngine(t)
	primary.setStatus(http.StatusNotFound)
	f := newFixture(t, backend.TwoStep{}, []string{primary.srv.URL}, map[string]bool{primary.srv.URL: true},
		backend.Fallback{StyleID: 2}, twoStepPaths)

	_, err := f.dispatcher.Dispatch(context.Background(), request(3))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestOneStepRetryReplacesSpeakerUUID(t *testing.T) {
	primary, fallback := newFakeEngine(t), newFakeEngine(t)
	primary.setStatus(http.StatusInternalServerError)
	paths := backend.Paths{Roster: "/v1/speakers", Synthesis: "/v1/synthesis"}
	f := newFixture(t, backend.OneStep{}, []string{primary.srv.URL}, map[string]bool{primary.srv.URL: true},
		backend.Fallback{StyleID: 0, SpeakerUUID: "default-uuid", EngineURL: fallback.srv.URL}, paths)

	req := request(4)
	req.SpeakerUUID = "caller-uuid"
	res, err := f.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	primary.mu.Lock()
	assert.Equal(t, []string{"caller-uuid"}, primary.uuids)
	primary.mu.Unlock()
	fallback.mu.Lock()
	assert.Equal(t, []string{"default-uuid"}, fallback.uuids)
	fallback.mu.Unlock()
}

func TestTranscodeFailureIsDistinct(t *testing.T) {
	a := newFakeEngine(t)
	f := newFixture(t, backend.TwoStep{}, []string{a.srv.URL}, map[string]bool{a.srv.URL: true}, backend.Fallback{StyleID: 2}, twoStepPaths)
	f.transcoder.err = errors.New("encoder missing")

	_, err := f.dispatcher.Dispatch(context.Background(), request(1))
	var transcodeErr *TranscodeError
	require.True(t, errors.As(err, &transcodeErr))
	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(err))
	assert.Equal(t, eventstore.OutcomeTranscode, Outcome(err))
	assert.Len(t, a.synthCalls(), 1)
}

func TestValidationRejectsBeforeRouting(t *testing.T) {
	a := newFakeEngine(t)
	f := newFixture(t, backend.TwoStep{}, []string{a.srv.URL}, map[string]bool{a.srv.URL: true}, backend.Fallback{StyleID: 2}, twoStepPaths)

	speed := 10.0
	_, err := f.dispatcher.Dispatch(context.Background(), backend.SynthesisRequest{Text: "", SpeedScale: &speed})
	var validation *backend.ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Len(t, validation.Fields, 3)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.Empty(t, a.synthCalls())
}
