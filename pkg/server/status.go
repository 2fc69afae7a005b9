package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.controller.Status()
	if status == nil {
		writeJSONError(w, "no status yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status)
}

type setModeRequest struct {
	Output        string `json:"output"`
	Mode          string `json:"mode"`
	RevertMinutes int    `json:"revertMinutes,omitempty"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	var req setModeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Output == "" {
		writeJSONError(w, "output is required", http.StatusBadRequest)
		return
	}
	mode := types.AppMode(req.Mode)
	switch mode {
	case types.AppModeOn, types.AppModeOff, types.AppModeAuto:
	default:
		writeJSONError(w, "mode must be on, off or auto", http.StatusBadRequest)
		return
	}
	if req.RevertMinutes < 0 {
		writeJSONError(w, "revertMinutes must not be negative", http.StatusBadRequest)
		return
	}

	s.controller.PostCommand(ctx, types.Command{
		Kind:          types.CommandSetMode,
		OutputID:      req.Output,
		Mode:          mode,
		RevertMinutes: req.RevertMinutes,
	})
	log.Ctx(ctx).InfoContext(ctx, "set_mode accepted",
		slog.String("output", req.Output),
		slog.String("mode", req.Mode))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(struct {
		Accepted bool `json:"accepted"`
	}{Accepted: true}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
