// Package shard partitions the merged voice roster of an engine into shards
// pinned to instances, and publishes the result as an immutable snapshot.
package shard

import (
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"
)

// Style is one voice style after merging, tagged with the instance that
// serves its shard.
type Style struct {
	StyleID     int    `json:"style_id"`
	StyleName   string `json:"style_name"`
	SpeakerUUID string `json:"speaker_uuid"`
	SpeakerName string `json:"speaker_name"`
	EngineURL   string `json:"engineUrl"`
}

type Shard struct {
	EngineURL string  `json:"engineUrl"`
	Styles    []Style `json:"styles"`
}

// Map is an ordered, immutable sequence of shards. It serializes as a JSON
// array.
type Map struct {
	shards     []Shard
	index      map[int]int
	ComputedAt time.Time
}

// Empty returns a map with no shards.
func Empty() *Map {
	return &Map{index: map[int]int{}}
}

// Partition splits styles into count contiguous blocks of ceil(len/count)
// entries after sorting them by style id. Block i is served by instances[i],
// or instances[0] when there are fewer instances than shards. With no
// instances the result has no shards.
func Partition(styles []Style, instances []string, count int) *Map {
	m := Empty()
	m.ComputedAt = time.Now().UTC()
	if len(instances) == 0 || count <= 0 {
		return m
	}

	sorted := append([]Style(nil), styles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StyleID < sorted[j].StyleID })

	total := len(sorted)
	size := (total + count - 1) / count
	m.shards = make([]Shard, count)
	for i := 0; i < count; i++ {
		url := instances[0]
		if i < len(instances) {
			url = instances[i]
		}
		start := min(i*size, total)
		end := min(start+size, total)

		block := make([]Style, 0, end-start)
		for _, st := range sorted[start:end] {
			st.EngineURL = url
			block = append(block, st)
			m.index[st.StyleID] = i
		}
		m.shards[i] = Shard{EngineURL: url, Styles: block}
	}
	return m
}

// Len returns the number of shards.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.shards)
}

// Shards returns a copy of the shard list.
func (m *Map) Shards() []Shard {
	if m == nil {
		return nil
	}
	out := make([]Shard, len(m.shards))
	for i, sh := range m.shards {
		out[i] = Shard{EngineURL: sh.EngineURL, Styles: append([]Style(nil), sh.Styles...)}
	}
	return out
}

// StyleCount is the number of styles across all shards.
func (m *Map) StyleCount() int {
	if m == nil {
		return 0
	}
	return len(m.index)
}

// Lookup returns the instance URL of the shard holding styleID.
func (m *Map) Lookup(styleID int) (string, bool) {
	if m == nil {
		return "", false
	}
	i, ok := m.index[styleID]
	if !ok {
		return "", false
	}
	return m.shards[i].EngineURL, true
}

func (m *Map) MarshalJSON() ([]byte, error) {
	shards := make([]Shard, 0, m.Len())
	if m != nil {
		for _, sh := range m.shards {
			if sh.Styles == nil {
				sh.Styles = []Style{}
			}
			shards = append(shards, sh)
		}
	}
	return json.Marshal(shards)
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var shards []Shard
	if err := json.Unmarshal(data, &shards); err != nil {
		return err
	}
	m.shards = shards
	m.index = make(map[int]int)
	for i, sh := range shards {
		for _, st := range sh.Styles {
			m.index[st.StyleID] = i
		}
	}
	return nil
}

// Table holds the current Map of one engine. Readers always see a complete
// map.
type Table struct {
	current atomic.Pointer[Map]
}

func NewTable() *Table {
	t := &Table{}
	t.current.Store(Empty())
	return t
}

func (t *Table) Load() *Map {
	return t.current.Load()
}

func (t *Table) Store(m *Map) {
	if m == nil {
		m = Empty()
	}
	t.current.Store(m)
}
