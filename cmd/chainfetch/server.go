package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/engine"
	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type idsRequest struct {
	IDs []string `json:"ids"`
}

type rangeRequest struct {
	Account string    `json:"account"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type errorResponse struct {
	Error string      `json:"error"`
	Class fault.Class `json:"class,omitempty"`
}

// server exposes the engine over HTTP.
type server struct {
	engine *engine.Engine[uint64]
	logger zerolog.Logger
}

func newServer(e *engine.Engine[uint64], logger zerolog.Logger) *server {
	return &server{engine: e, logger: logger}
}

// Handler returns the routes of the server.
func (s *server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts", s.listAccounts)
		r.Get("/accounts/{account}", s.getAccount)
		r.Put("/accounts/{account}", s.addAccount)
		r.Delete("/accounts/{account}", s.delAccount)

		r.Post("/requests/ids", s.requestIDs)
		r.Post("/requests/range", s.requestRange)
		r.Get("/requests/{nonce}", s.getRequest)
	})
	return r
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusOK, stats)
}

func (s *server) listAccounts(w http.ResponseWriter, _ *http.Request) {
	s.write(w, http.StatusOK, s.engine.Accounts())
}

func (s *server) getAccount(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.GetState(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusOK, st)
}

// addAccount starts fetching an account. The optional stop query parameter
// sets the cursor its backward fetch ends at.
func (s *server) addAccount(w http.ResponseWriter, r *http.Request) {
	var opts []engine.AccountOption[uint64]
	if v := r.URL.Query().Get("stop"); v != "" {
		stop, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.write(w, http.StatusBadRequest, errorResponse{Error: "invalid stop cursor"})
			return
		}
		opts = append(opts, engine.WithStopCursor(stop))
	}
	if err := s.engine.AddAccount(r.Context(), chi.URLParam(r, "account"), opts...); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) delAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DelAccount(r.Context(), chi.URLParam(r, "account")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) requestIDs(w http.ResponseWriter, r *http.Request) {
	var body idsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.write(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	nonce, _, err := s.engine.FetchByIDs(r.Context(), body.IDs)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusAccepted, nonceResponse{Nonce: nonce})
}

func (s *server) requestRange(w http.ResponseWriter, r *http.Request) {
	var body rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.write(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	nonce, _, err := s.engine.FetchByDateRange(r.Context(), body.Account, body.Start, body.End)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusAccepted, nonceResponse{Nonce: nonce})
}

// getRequest returns the response as materialized so far; Complete tells
// whether it is final.
func (s *server) getRequest(w http.ResponseWriter, r *http.Request) {
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		s.write(w, http.StatusBadRequest, errorResponse{Error: "invalid nonce"})
		return
	}
	res, err := s.engine.Result(r.Context(), nonce)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.write(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownAccount), errors.Is(err, correlate.ErrUnknownNonce):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwned):
		return http.StatusMisdirectedRequest
	case errors.Is(err, engine.ErrInvalidAccount), errors.Is(err, correlate.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.write(w, status, errorResponse{Error: err.Error(), Class: fault.Classify(err)})
}

func (s *server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}
