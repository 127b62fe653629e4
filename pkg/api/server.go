package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/safestage/relay/params"
	"github.com/safestage/relay/pkg/core"
)

// Server exposes the staging engine over REST plus a WebSocket feed of
// staging events.
type Server struct {
	svc    *core.Service
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	cfg    params.API

	httpServer *http.Server
}

// NewServer wires the routes and the WebSocket hub. The hub is registered
// as the service's publisher so every successful commit is pushed to
// subscribed co-signers.
func NewServer(svc *core.Service, log *zap.SugaredLogger, cfg params.API) *Server {
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
		cfg:    cfg,
	}
	svc.Publisher = s.hub
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/chains/{chainId}/safes/{address}/transactions", s.handleListStaged).Methods("GET")
	api.HandleFunc("/chains/{chainId}/safes/{address}/transactions", s.handleStageSigned).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           c.Handler(s.logRequests(s.router)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Infow("api_server_starting", "addr", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugw("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"elapsed_ms", time.Since(start).Milliseconds())
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleListStaged(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromRequest(w, r)
	if !ok {
		return
	}

	staged, err := s.svc.ListStaged(acct)
	if err != nil {
		s.respondStageError(w, err)
		return
	}
	respondJSON(w, toStagedTransactions(staged))
}

func (s *Server) handleStageSigned(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.accountFromRequest(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		stagingsTotal.WithLabelValues("bad_request").Inc()
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	prop, err := req.Proposal()
	if err != nil {
		stagingsTotal.WithLabelValues("bad_request").Inc()
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rawSigs, err := req.RawSignatures()
	if err != nil {
		stagingsTotal.WithLabelValues("bad_request").Inc()
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	staged, err := s.svc.StageSigned(r.Context(), acct, prop, rawSigs)
	if err != nil {
		s.respondStageError(w, err)
		return
	}

	stagingsTotal.WithLabelValues("committed").Inc()
	respondJSON(w, toStagedTransactions(staged))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// accountFromRequest validates the path parameters before anything touches
// the engine; the engine re-validates defensively.
func (s *Server) accountFromRequest(w http.ResponseWriter, r *http.Request) (core.Account, bool) {
	vars := mux.Vars(r)

	chainID, err := strconv.ParseUint(vars["chainId"], 10, 64)
	if err != nil || chainID == 0 {
		respondError(w, http.StatusBadRequest, "invalid_account", "chain id must be a positive integer")
		return core.Account{}, false
	}
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid_account", "malformed safe address")
		return core.Account{}, false
	}
	return core.Account{ChainID: chainID, Address: common.HexToAddress(vars["address"])}, true
}

// respondStageError maps the engine taxonomy onto HTTP statuses. Transient
// failures get 503 so callers know a retry can help; validation failures
// get 4xx and retrying the identical submission is pointless.
func (s *Server) respondStageError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	stagingsTotal.WithLabelValues(code).Inc()

	var status int
	switch code {
	case "invalid_account", "unsupported_account", "malformed_signature":
		status = http.StatusBadRequest
	case "nonce_too_low", "nonce_gap":
		status = http.StatusConflict
	case "too_many_staged", "too_many_signatures":
		status = http.StatusTooManyRequests
	case "invalid_signature_bundle":
		status = http.StatusUnprocessableEntity
	case "oracle_unavailable":
		status = http.StatusServiceUnavailable
	default:
		// Opaque internal fault; detail stays in the server log.
		respondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	respondError(w, status, code, err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, core.ErrUnsupportedAccount):
		return "unsupported_account"
	case errors.Is(err, core.ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, core.ErrNonceTooLow):
		return "nonce_too_low"
	case errors.Is(err, core.ErrNonceGap):
		return "nonce_gap"
	case errors.Is(err, core.ErrTooManyStaged):
		return "too_many_staged"
	case errors.Is(err, core.ErrTooManySignatures):
		return "too_many_signatures"
	case errors.Is(err, core.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, core.ErrInvalidSignatureBundle):
		return "invalid_signature_bundle"
	default:
		return "internal_error"
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}
