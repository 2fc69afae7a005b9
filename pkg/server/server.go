// Package server exposes the admin API: the controller status snapshot, the
// set_mode command, action history, a WebSocket push of snapshots and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaypilot/relaypilot/pkg/controller"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/storage"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// ControlLoop is the part of the controller the admin API talks to.
type ControlLoop interface {
	Status() *controller.StatusSnapshot
	PostCommand(ctx context.Context, cmd types.Command)
}

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the admin HTTP API. All state mutation goes through the
// controller's command channel; the server itself only reads snapshots.
type Server struct {
	controller ControlLoop
	store      storage.Store
	deviceName string

	listenAddr   string
	accessKey    string
	oidcVerifier tokenVerifier
	bypassAuth   bool

	upgrader   websocket.Upgrader
	clients    sync.Map
	httpServer *http.Server

	// wsInterval is how often the snapshot broadcaster wakes. Tests shorten it.
	wsInterval time.Duration
}

// Configured initializes the Server. It uses lflag to register command-line
// flags for configuration; the controller and store arrive later via SetDeps
// since they depend on the parsed config file.
func Configured() *Server {
	srv := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		wsInterval: 2 * time.Second,
	}

	// get the port from PORT when running under a supervisor that sets it
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	accessKey := lflag.String("access-key", "", "shared key required in the Authorization header or access_key query param")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID to accept bearer tokens for")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.accessKey = *accessKey
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
		if srv.accessKey == "" && srv.oidcVerifier == nil {
			srv.bypassAuth = true
			log.Ctx(context.Background()).Warn("no access-key or oidc-audience configured, admin API is unauthenticated")
		}
	})

	return srv
}

// SetDeps wires the controller and store once they exist. Must be called
// before Run.
func (s *Server) SetDeps(ctrl ControlLoop, store storage.Store, deviceName string) {
	s.controller = ctrl
	s.store = store
	s.deviceName = deviceName
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("POST /api/set_mode", s.handleSetMode)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)
	apiMux.HandleFunc("GET /api/ws", s.handleWS)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(s.securityHeadersMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		// WebSocket connections are hijacked out of the server so the write
		// timeout only bounds plain API responses.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		s.broadcastSnapshots(ctx)
	}()

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting admin server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down admin server")
		s.closeClients()
		<-broadcastDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
