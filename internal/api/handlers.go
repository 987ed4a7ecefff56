package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/chain"
	"github.com/mattjoyce/conductor/internal/ephemeral"
	"github.com/mattjoyce/conductor/internal/fanout"
	"github.com/mattjoyce/conductor/internal/history"
	"github.com/mattjoyce/conductor/internal/orchestrator"
	"github.com/mattjoyce/conductor/internal/protocol"
	"github.com/mattjoyce/conductor/internal/rpc"
	"github.com/mattjoyce/conductor/internal/worker"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, info := range s.ctl.List() {
		resp.Workers++
		switch info.State {
		case worker.StateBusy:
			resp.Busy++
		case worker.StateDead:
			resp.Dead++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctl.List())
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctl.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleKillWorker handles DELETE /workers/{name}. ?graceful=true asks the
// worker to shut down before signalling it.
func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var err error
	if graceful, _ := strconv.ParseBool(r.URL.Query().Get("graceful")); graceful {
		err = s.ctl.Shutdown(r.Context(), name)
	} else {
		err = s.ctl.Kill(name)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	res, err := s.ctl.EnsureAndDispatch(r.Context(), chi.URLParam(r, "name"), req.Task, req.options())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.ctl.Steer(r.Context(), chi.URLParam(r, "name"), req.Message); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Abort(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCall forwards any non-prompt command to a live worker.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !s.decode(w, r, &req) {
		return
	}
	cmd := protocol.Command{Type: protocol.CommandType(req.Type), Message: req.Message, EndpointID: req.EndpointID}
	if err := cmd.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Type == protocol.CommandPrompt {
		s.writeError(w, http.StatusBadRequest, "use /dispatch for prompts")
		return
	}
	data, err := s.ctl.Call(r.Context(), chi.URLParam(r, "name"), cmd)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CallResponse{Data: data})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	res, err := s.ctl.RunEphemeral(r.Context(), req.Task, req.options())
	s.writeRun(w, res, err)
}

func (s *Server) handleParallel(w http.ResponseWriter, r *http.Request) {
	var req ParallelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Tasks) == 0 {
		s.writeError(w, http.StatusBadRequest, "tasks are required")
		return
	}
	res, err := s.ctl.RunParallel(r.Context(), req.Tasks, req.Limit, req.options())
	s.writeRun(w, res, err)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var req ChainRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Steps) == 0 {
		s.writeError(w, http.StatusBadRequest, "steps are required")
		return
	}
	res, err := s.ctl.RunChain(r.Context(), req.Steps, chain.Policy{OnFailure: req.OnFailure, MaxRetries: req.MaxRetries})
	s.writeRun(w, res, err)
}

// writeRun answers with whatever result exists. A failed run that produced a
// partial result is reported as 502 with the result attached.
func (s *Server) writeRun(w http.ResponseWriter, res any, err error) {
	if err == nil {
		respondJSON(w, http.StatusOK, RunResponse{Result: res})
		return
	}
	if isNil(res) {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, statusFor(err), RunResponse{Result: res, Error: err.Error()})
}

func isNil(v any) bool {
	switch r := v.(type) {
	case nil:
		return true
	case *ephemeral.Result:
		return r == nil
	case *orchestrator.ChainResult:
		return r == nil
	case []orchestrator.ParallelResult:
		return r == nil
	}
	return false
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	q := r.URL.Query()
	f := history.RunFilter{ChainID: q.Get("chain_id"), Kind: history.Kind(q.Get("kind"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []history.RunRecord{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not enabled")
		return
	}
	rec, steps, err := s.runs.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get chain", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get chain")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "chain not found")
		return
	}
	if steps == nil {
		steps = []history.RunRecord{}
	}
	respondJSON(w, http.StatusOK, ChainResponse{Chain: rec, Steps: steps})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps orchestration errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownWorker):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrUnknownAgent), errors.Is(err, fanout.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrBusy), errors.Is(err, worker.ErrNotIdle), errors.Is(err, worker.ErrDead):
		return http.StatusConflict
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ephemeral.ErrInterrupted), errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusBadGateway {
		s.logger.Warn("request failed", "error", err)
	}
	s.writeError(w, code, err.Error())
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
