package protocol

import (
	"encoding/json"
	"time"
)

// HealthEvent is published when an engine instance changes health.
type HealthEvent struct {
	Engine    string    `json:"engine"`
	Instance  string    `json:"instance"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// ShardsUpdated is published after a shard map computation. Shards holds
// the map in its HTTP representation.
type ShardsUpdated struct {
	Engine    string          `json:"engine"`
	Styles    int             `json:"styles"`
	Warnings  []string        `json:"warnings,omitempty"`
	Shards    json.RawMessage `json:"shards"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReshardRequest asks a gateway to recompute the shard map of an engine.
type ReshardRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

const (
	SubjectHealthPrefix  = "voicegate.health"
	SubjectShardsPrefix  = "voicegate.shards"
	SubjectReshardPrefix = "voicegate.ctrl.reshard"
)

func HealthSubject(engine string) string {
	return SubjectHealthPrefix + "." + engine
}

func ShardsUpdatedSubject(engine string) string {
	return SubjectShardsPrefix + "." + engine + ".updated"
}

// ShardsQuerySubject answers request-reply queries with the current map.
func ShardsQuerySubject(engine string) string {
	return SubjectShardsPrefix + "." + engine + ".get"
}

func ReshardSubject(engine string) string {
	return SubjectReshardPrefix + "." + engine
}
