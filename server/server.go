// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package server exposes the operational HTTP surface: liveness, readiness,
// store health and the recent sync batch dashboard feed.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ofurkanuygur/search-case-sub000/contentdb"
)

var (
	// Error is the server error class.
	Error = errs.Class("server")

	mon = monkit.Package()
)

// Config holds the server configuration.
type Config struct {
	Address string `yaml:"address"`
}

// DB is the slice of the store the server reads.
type DB interface {
	Ping(ctx context.Context) error
	ListRecentBatches(ctx context.Context, limit int) ([]contentdb.SyncBatch, error)
}

// ReadyFunc reports whether the scheduler loop is running.
type ReadyFunc func() bool

// Server is the operational HTTP endpoint.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	db     DB
	ready  ReadyFunc
	server *http.Server
}

// New creates the operational server.
func New(log *zap.Logger, db DB, ready ReadyFunc, config Config) *Server {
	server := &Server{
		log:   log,
		db:    db,
		ready: ready,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.health).Methods(http.MethodGet)
	router.HandleFunc("/health/live", server.live).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", server.readiness).Methods(http.MethodGet)
	router.HandleFunc("/debug/batches", server.batches).Methods(http.MethodGet)

	server.server = &http.Server{
		Addr:              config.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.server.Addr)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("operational server started", zap.String("address", listener.Addr().String()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		err := server.server.Serve(listener)
		if errs.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler { return server.server.Handler }

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "healthy", Store: "up"}
	code := http.StatusOK
	if err := server.db.Ping(r.Context()); err != nil {
		server.log.Warn("store health check failed", zap.Error(err))
		response = healthResponse{Status: "unhealthy", Store: "down"}
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (server *Server) live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (server *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if !server.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "scheduler stopped"})
		return
	}
	if err := server.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type batchResponse struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	Status          string     `json:"status"`
	SourceProviders []string   `json:"sourceProviders"`
	ItemsFetched    int        `json:"itemsFetched"`
	ItemsCreated    int        `json:"itemsCreated"`
	ItemsUpdated    int        `json:"itemsUpdated"`
	ItemsUnchanged  int        `json:"itemsUnchanged"`
	RowsAffected    int        `json:"rowsAffected"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
}

func (server *Server) batches(w http.ResponseWriter, r *http.Request) {
	batches, err := server.db.ListRecentBatches(r.Context(), 20)
	if err != nil {
		server.log.Error("listing recent batches failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing batches failed"})
		return
	}

	out := make([]batchResponse, 0, len(batches))
	for _, batch := range batches {
		out = append(out, batchResponse{
			ID:              batch.ID,
			StartedAt:       batch.StartedAt,
			CompletedAt:     batch.CompletedAt,
			Status:          string(batch.Status),
			SourceProviders: batch.SourceProviders,
			ItemsFetched:    batch.ItemsFetched,
			ItemsCreated:    batch.ItemsCreated,
			ItemsUpdated:    batch.ItemsUpdated,
			ItemsUnchanged:  batch.ItemsUnchanged,
			RowsAffected:    batch.RowsAffected,
			ErrorMessage:    batch.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
