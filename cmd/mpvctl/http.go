package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// HTTP Server
// ============================================================================
// Read-mostly state surface for dashboards and home automation:
//
//	GET  /healthz                     liveness
//	GET  /state                       all instances as JSON
//	GET  /ws                          state_init + instance_changed stream
//	POST /instances/{id}/volume       {"delta": -2}
//	POST /instances/{id}/mute/toggle
// ============================================================================

type stateResponse struct {
	Instances []InstanceView `json:"instances"`
}

type volumeRequestBody struct {
	Delta int `json:"delta"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// newRouter wires every HTTP route. ws may be nil to disable /ws.
func newRouter(store *Store, dispatcher *Dispatcher, ws *StateWSServer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stateResponse{Instances: newInstanceViews(store.Snapshot())})
	})

	if ws != nil {
		ws.Register(r, "/ws")
	}

	r.Route("/instances/{id}", func(inst chi.Router) {
		inst.Post("/volume", func(w http.ResponseWriter, req *http.Request) {
			id, ok := instanceIDParam(w, req)
			if !ok {
				return
			}
			var body volumeRequestBody
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Delta == 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"delta\": <non-zero int>}"})
				return
			}
			dispatchHTTP(w, req, dispatcher, VolumeStepRequest{Instance: id, Delta: body.Delta}, logger)
		})

		inst.Post("/mute/toggle", func(w http.ResponseWriter, req *http.Request) {
			id, ok := instanceIDParam(w, req)
			if !ok {
				return
			}
			dispatchHTTP(w, req, dispatcher, ToggleMuteRequest{Instance: id}, logger)
		})
	})

	return r
}

func instanceIDParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "instance id must be an integer"})
		return 0, false
	}
	return id, true
}

func dispatchHTTP(w http.ResponseWriter, r *http.Request, dispatcher *Dispatcher, req Request, logger *slog.Logger) {
	err := dispatcher.Dispatch(r.Context(), req)
	var unknown errUnknownInstance
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrSocketUnavailable), errors.Is(err, ErrConnectionRefused):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logger.Warn("HTTP request failed", "instance", req.TargetInstance(), "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// runHTTPServer serves handler on listen and shuts down gracefully when ctx
// is canceled. ready, if non-nil, receives the bound address once listening.
func runHTTPServer(ctx context.Context, listen string, handler http.Handler, ready func(net.Addr), logger *slog.Logger) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("HTTP listen on %s: %w", listen, err)
	}
	logger.Info("HTTP server listening", "addr", ln.Addr().String())
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// Serve returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
