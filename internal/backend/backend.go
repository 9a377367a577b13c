// Package backend models the voice-synthesis engines behind the gateway: their
// instances, the wire contract of each engine family, and the HTTP client
// used to talk to them.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voicegate/internal/config"
)

// Paths are the endpoint paths an engine family exposes on every instance.
type Paths struct {
	Roster    string
	Synthesis string
	Query     string
}

// Instance is one running copy of an engine, identified by its base URL.
type Instance struct {
	BaseURL string
	Paths   Paths
}

func (i Instance) endpoint(path string) string {
	return strings.TrimRight(i.BaseURL, "/") + path
}

// Speaker is one roster entry as reported by an engine.
type Speaker struct {
	UUID   string
	Name   string
	Styles []Style
}

type Style struct {
	ID   int
	Name string
}

// Call is a synthesis request after routing: the target voice plus the
// acoustic parameters.
type Call struct {
	Text        string
	StyleID     int
	SpeakerUUID string
	Params      Params
}

// Fallback is the statically configured voice and instance used for the one
// retry a dispatch is allowed.
type Fallback struct {
	StyleID     int
	SpeakerUUID string
	EngineURL   string
}

// Family is the wire contract of an engine family. Implementations are
// selected by configuration.
type Family interface {
	Name() string
	// Require reports request fields the family needs beyond the common ones.
	Require(req SynthesisRequest) []FieldError
	// ParseRoster decodes the roster endpoint response.
	ParseRoster(data []byte) ([]Speaker, error)
	// Synthesize runs the family's synthesis protocol against inst and
	// returns the raw audio bytes.
	Synthesize(ctx context.Context, client *Client, inst Instance, call Call) ([]byte, error)
	// Retarget rewrites call to use the fallback voice.
	Retarget(call Call, fb Fallback) Call
}

// NewFamily returns the Family implementation for a configured family name.
func NewFamily(name string) (Family, error) {
	switch name {
	case config.FamilyTwoStep:
		return TwoStep{}, nil
	case config.FamilyOneStep:
		return OneStep{}, nil
	default:
		return nil, fmt.Errorf("unknown engine family %q", name)
	}
}

// InstancesFromConfig builds the instance list of an engine in configured
// order.
func InstancesFromConfig(cfg config.EngineConfig) []Instance {
	paths := PathsFromConfig(cfg.Paths)
	instances := make([]Instance, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		instances = append(instances, Instance{BaseURL: u, Paths: paths})
	}
	return instances
}

func PathsFromConfig(p config.EnginePaths) Paths {
	return Paths{Roster: p.Roster, Synthesis: p.Synthesis, Query: p.Query}
}
