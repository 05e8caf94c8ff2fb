// Package server exposes a read-only status surface for the hub: a small
// REST API and a WebSocket feed of runtime snapshots. All state it reports
// already lives in the control database or in process memory; the server
// adds no write paths.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/dlq"
)

// Snapshot is the runtime state pushed to status consumers.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Pipelines []PipelineStatus `json:"pipelines"`
}

// PipelineStatus describes one running pipeline and its destinations.
type PipelineStatus struct {
	PipelineID   int32               `json:"pipeline_id"`
	Destinations []DestinationStatus `json:"destinations"`
}

// DestinationStatus describes one destination's DLQ health.
type DestinationStatus struct {
	DestinationID int32    `json:"destination_id"`
	IsError       bool     `json:"is_error"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	PendingTables []string `json:"pending_tables,omitempty"`
	PendingEvents int      `json:"pending_events"`
}

// StateFunc reports the live DLQ wrappers per pipeline. The manager's
// DestinationStates method satisfies it.
type StateFunc func() map[int32][]*dlq.DestinationWithDLQ

// Server serves the status API.
type Server struct {
	states   StateFunc
	dlqStore *dlq.Store
	logger   zerolog.Logger
	hub      *hub
}

// New creates a status server over the given runtime state and DLQ store.
func New(states StateFunc, dlqStore *dlq.Store, logger zerolog.Logger) *Server {
	s := &Server{
		states:   states,
		dlqStore: dlqStore,
		logger:   logger.With().Str("component", "status-server").Logger(),
	}
	s.hub = newHub(s.snapshot, s.logger)
	return s
}

// snapshot assembles the current runtime state.
func (s *Server) snapshot() Snapshot {
	states := s.states()
	snap := Snapshot{Timestamp: time.Now()}
	for pipelineID, dests := range states {
		ps := PipelineStatus{PipelineID: pipelineID}
		for _, d := range dests {
			ps.Destinations = append(ps.Destinations, DestinationStatus{
				DestinationID: d.DestID(),
				IsError:       d.IsInError(),
				ErrorMessage:  d.ErrorMessage(),
				PendingTables: d.PendingTables(),
				PendingEvents: s.dlqStore.CountForDestination(d.DestID()),
			})
		}
		snap.Pipelines = append(snap.Pipelines, ps)
	}
	return snap
}

// Start serves on the given port until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	h := &handlers{server: s}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/healthz", h.healthz)
	mux.HandleFunc("GET /ws", s.hub.serveWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Int("port", port).Msg("status server listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
