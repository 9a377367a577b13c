// Package api exposes engine groups over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/dispatch"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
	"github.com/loqalabs/loqa-voicegate/internal/shard"
)

// Engine is the per-engine surface served under its route.
type Engine interface {
	Name() string
	Route() string
	Dispatch(ctx context.Context, req backend.SynthesisRequest) (dispatch.Result, error)
	Shards() *shard.Map
	Reshard(ctx context.Context) shard.Result
}

// DispatchLister reads the audit log.
type DispatchLister interface {
	ListDispatches(ctx context.Context, engine string, limit int) ([]eventstore.Dispatch, error)
}

// ComputedAtHeader carries the computation time of a served shard map.
const ComputedAtHeader = "X-Voicegate-Computed-At"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type Server struct {
	engines []Engine
	store   DispatchLister
	maxBody int64
	log     *slog.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func NewServer(engines []Engine, store DispatchLister, maxBody int64, log *slog.Logger) *Server {
	return &Server{
		engines: engines,
		store:   store,
		maxBody: maxBody,
		log:     log.With(slog.String("component", "api")),
	}
}

// Register mounts every engine route and the audit endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	for _, eng := range s.engines {
		route := eng.Route()
		mux.Handle("POST "+route, s.handleSynthesis(eng))
		mux.Handle("GET "+route+"/speakers/sharded", s.handleSharded(eng))
		mux.Handle("POST "+route+"/speakers/reshard", s.handleReshard(eng))
	}
	mux.HandleFunc("GET /dispatches", s.handleDispatches)
}

func (s *Server) handleSynthesis(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.maxBody > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		var req backend.SynthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Details: err.Error()})
			return
		}

		res, err := eng.Dispatch(r.Context(), req)
		if err != nil {
			s.writeDispatchError(w, eng, err)
			return
		}
		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
		w.Header().Set("X-Voicegate-Dispatch-Id", res.ID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Audio)
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, eng Engine, err error) {
	status := dispatch.StatusCode(err)
	var (
		validation *backend.ValidationError
		upstream   *dispatch.UpstreamError
		transcode  *dispatch.TranscodeError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, status, errorBody{Error: "invalid request", Details: validation.Fields})
	case errors.Is(err, dispatch.ErrNoBackend):
		writeJSON(w, status, errorBody{Error: "no healthy " + eng.Name() + " backend available"})
	case errors.As(err, &upstream):
		writeJSON(w, status, errorBody{Error: "upstream synthesis failed"})
	case errors.As(err, &transcode):
		writeJSON(w, status, errorBody{Error: "audio transcode failed"})
	default:
		s.log.Error("unexpected dispatch error", slog.String("engine", eng.Name()), slogError(err))
		writeJSON(w, status, errorBody{Error: "internal error"})
	}
}

func (s *Server) handleSharded(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := eng.Shards()
		setComputedAt(w, m)
		writeJSON(w, http.StatusOK, m)
	}
}

// handleReshard runs the computation detached from the request so a caller
// hanging up cannot interrupt it halfway.
func (s *Server) handleReshard(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := eng.Reshard(context.WithoutCancel(r.Context()))
		for _, warning := range res.Warnings {
			w.Header().Add("X-Voicegate-Warning", warning)
		}
		setComputedAt(w, res.Map)
		writeJSON(w, http.StatusOK, res.Map)
	}
}

func setComputedAt(w http.ResponseWriter, m *shard.Map) {
	if m == nil || m.ComputedAt.IsZero() {
		return
	}
	w.Header().Set(ComputedAtHeader, m.ComputedAt.Format(time.RFC3339Nano))
}

func (s *Server) handleDispatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	records := []eventstore.Dispatch{}
	if s.store != nil {
		found, err := s.store.ListDispatches(r.Context(), r.URL.Query().Get("engine"), limit)
		if err != nil {
			s.log.Error("list dispatches failed", slogError(err))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			return
		}
		records = append(records, found...)
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
