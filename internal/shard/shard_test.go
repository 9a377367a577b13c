package shard

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
	"github.com/loqalabs/loqa-voicegate/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func styles(ids ...int) []Style {
	out := make([]Style, 0, len(ids))
	for _, id := range ids {
		out = append(out, Style{StyleID: id})
	}
	return out
}

func ids(sh Shard) []int {
	out := []int{}
	for _, st := range sh.Styles {
		out = append(out, st.StyleID)
	}
	return out
}

func TestPartitionProperties(t *testing.T) {
	for total := 0; total <= 12; total++ {
		for count := 1; count <= 5; count++ {
			input := make([]int, 0, total)
			for i := total - 1; i >= 0; i-- {
				input = append(input, i*3)
			}
			m := Partition(styles(input...), []string{"http://a", "http://b"}, count)
			require.Equal(t, count, m.Len())

			var flat []int
			seen := map[int]int{}
			for _, sh := range m.Shards() {
				for _, id := range ids(sh) {
					seen[id]++
					flat = append(flat, id)
				}
			}
			assert.Len(t, flat, total, "total=%d count=%d", total, count)
			for id, n := range seen {
				assert.Equal(t, 1, n, "style %d appears %d times", id, n)
			}
			for i := 1; i < len(flat); i++ {
				assert.Less(t, flat[i-1], flat[i], "blocks must follow sorted order")
			}
		}
	}
}

func TestPartitionWrapsToFirstInstance(t *testing.T) {
	m := Partition(styles(3, 1, 0, 2), []string{"http://h1:1", "http://h2:1"}, 3)
	shards := m.Shards()
	require.Len(t, shards, 3)

	assert.Equal(t, "http://h1:1", shards[0].EngineURL)
	assert.Equal(t, []int{0, 1}, ids(shards[0]))
	assert.Equal(t, "http://h2:1", shards[1].EngineURL)
	assert.Equal(t, []int{2, 3}, ids(shards[1]))
	assert.Equal(t, "http://h1:1", shards[2].EngineURL)
	assert.Empty(t, shards[2].Styles)

	for _, st := range shards[1].Styles {
		assert.Equal(t, "http://h2:1", st.EngineURL)
	}
	url, ok := m.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "http://h2:1", url)
	_, ok = m.Lookup(42)
	assert.False(t, ok)
}

func TestPartitionWithoutInstances(t *testing.T) {
	m := Partition(styles(1, 2), nil, 3)
	assert.Equal(t, 0, m.Len())
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestMapJSONShape(t *testing.T) {
	m := Partition([]Style{{StyleID: 2, StyleName: "ノーマル", SpeakerUUID: "u1", SpeakerName: "四国めたん"}}, []string{"http://h1"}, 2)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"engineUrl":"http://h1","styles":[{"style_id":2,"style_name":"ノーマル","speaker_uuid":"u1","speaker_name":"四国めたん","engineUrl":"http://h1"}]},
		{"engineUrl":"http://h1","styles":[]}
	]`, string(data))

	var decoded Map
	require.NoError(t, json.Unmarshal(data, &decoded))
	url, ok := decoded.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, "http://h1", url)
}

func TestTableSwap(t *testing.T) {
	table := NewTable()
	assert.Equal(t, 0, table.Load().Len())

	old := table.Load()
	table.Store(Partition(styles(1), []string{"http://a"}, 1))
	assert.Equal(t, 0, old.Len())
	assert.Equal(t, 1, table.Load().StyleCount())

	table.Store(nil)
	assert.NotNil(t, table.Load())
}

type fakeEngines struct {
	mu        sync.Mutex
	down      map[string]bool
	rosterErr map[string]bool
	rosters   map[string][]backend.Speaker
}

func (f *fakeEngines) Probe(ctx context.Context, inst backend.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[inst.BaseURL] {
		return errors.New("down")
	}
	return nil
}

func (f *fakeEngines) FetchRoster(ctx context.Context, family backend.Family, inst backend.Instance) ([]backend.Speaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr[inst.BaseURL] {
		return nil, errors.New("roster broken")
	}
	return f.rosters[inst.BaseURL], nil
}

func roster(uuid string, styleIDs ...int) []backend.Speaker {
	sp := backend.Speaker{UUID: uuid, Name: uuid}
	for _, id := range styleIDs {
		sp.Styles = append(sp.Styles, backend.Style{ID: id, Name: "style"})
	}
	return []backend.Speaker{sp}
}

func newAssignor(engines *fakeEngines, urls ...string) (*Assignor, *health.Monitor) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	insts := make([]backend.Instance, 0, len(urls))
	for _, u := range urls {
		insts = append(insts, backend.Instance{BaseURL: u})
	}
	monitor := health.NewMonitor("voicevox", insts, engines, log)
	return NewAssignor("voicevox", backend.TwoStep{}, monitor, engines, 3, log), monitor
}

func TestComputeConcreteScenario(t *testing.T) {
	engines := &fakeEngines{rosters: map[string][]backend.Speaker{
		"http://h1:1": roster("s", 0, 1, 2, 3),
		"http://h2:1": roster("s", 0, 1, 2, 3),
	}}
	a, monitor := newAssignor(engines, "http://h1:1", "http://h2:1")

	res := a.Compute(context.Background())
	assert.Empty(t, res.Warnings)
	assert.Same(t, res.Map, a.Table().Load())

	shards := res.Map.Shards()
	require.Len(t, shards, 3)
	assert.Equal(t, []int{0, 1}, ids(shards[0]))
	assert.Equal(t, "http://h1:1", shards[0].EngineURL)
	assert.Equal(t, []int{2, 3}, ids(shards[1]))
	assert.Equal(t, "http://h2:1", shards[1].EngineURL)
	assert.Empty(t, shards[2].Styles)
	assert.Equal(t, "http://h1:1", shards[2].EngineURL)

	assert.Equal(t, 2, monitor.Snapshot().HealthyCount())
}

func TestComputeSkipsFailedInstances(t *testing.T) {
	engines := &fakeEngines{
		down:      map[string]bool{"http://c": true},
		rosterErr: map[string]bool{"http://b": true},
		rosters: map[string][]backend.Speaker{
			"http://a": roster("a", 1, 2),
			"http://b": roster("b", 10, 11),
			"http://c": roster("c", 20, 21),
		},
	}
	a, monitor := newAssignor(engines, "http://a", "http://b", "http://c")

	res := a.Compute(context.Background())
	assert.Equal(t, 2, res.Map.StyleCount())
	_, ok := res.Map.Lookup(10)
	assert.False(t, ok)
	_, ok = res.Map.Lookup(20)
	assert.False(t, ok)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "http://b")

	snap := monitor.Snapshot()
	assert.True(t, snap.Healthy("http://a"))
	assert.False(t, snap.Healthy("http://b"))
	assert.False(t, snap.Healthy("http://c"))
}

func TestComputeWithoutInstancesWarns(t *testing.T) {
	a, _ := newAssignor(&fakeEngines{})
	res := a.Compute(context.Background())
	assert.Equal(t, 0, res.Map.Len())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "no configured instances")
}

func TestComputeReplacesPreviousMap(t *testing.T) {
	engines := &fakeEngines{rosters: map[string][]backend.Speaker{"http://a": roster("a", 1, 2, 3)}}
	a, _ := newAssignor(engines, "http://a")

	first := a.Compute(context.Background()).Map
	engines.mu.Lock()
	engines.rosters["http://a"] = roster("a", 7)
	engines.mu.Unlock()
	second := a.Compute(context.Background()).Map

	assert.Equal(t, 3, first.StyleCount())
	assert.Equal(t, 1, second.StyleCount())
	assert.Same(t, second, a.Table().Load())
}

func TestInterruptedComputeKeepsMapAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"s","speaker_uuid":"u","styles":[{"name":"a","id":0},{"name":"b","id":1}]}]`))
	}))
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := backend.NewClient(nil, backend.Timeouts{Probe: time.Second, Roster: time.Second, Call: time.Second})
	insts := []backend.Instance{{BaseURL: srv.URL, Paths: backend.Paths{Roster: "/speakers"}}}
	monitor := health.NewMonitor("voicevox", insts, client, log)
	a := NewAssignor("voicevox", backend.TwoStep{}, monitor, client, 3, log)

	first := a.Compute(context.Background())
	require.Equal(t, 2, first.Map.StyleCount())
	require.Equal(t, 1, monitor.Snapshot().HealthyCount())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := a.Compute(ctx)

	assert.Same(t, first.Map, res.Map)
	assert.Same(t, first.Map, a.Table().Load())
	assert.Equal(t, 2, a.Table().Load().StyleCount())
	assert.Equal(t, 1, monitor.Snapshot().HealthyCount())
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "interrupted")
}
