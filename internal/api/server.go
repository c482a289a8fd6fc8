package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/signalops/signalops/internal/ledger"
	"github.com/signalops/signalops/internal/observability"
	"github.com/signalops/signalops/internal/pipeline"
	"github.com/signalops/signalops/internal/strategy"
)

const (
	maxBodyBytes = 1 << 20
	wsBuffer     = 64
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

// Server is the HTTP surface of signalops-core.
type Server struct {
	svc      *pipeline.Service
	metrics  *observability.Metrics
	health   *observability.HealthMonitor
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer builds the router. metrics and health may be nil, in which
// case /metrics and /healthz are not mounted.
func NewServer(svc *pipeline.Service, metrics *observability.Metrics, health *observability.HealthMonitor) *Server {
	s := &Server{
		svc:     svc,
		metrics: metrics,
		health:  health,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/strategies", s.handlePutStrategy)
	s.mux.HandleFunc("GET /v1/strategies", s.handleListStrategies)
	s.mux.HandleFunc("GET /v1/strategies/{name}", s.handleGetStrategy)

	s.mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	s.mux.HandleFunc("POST /v1/orders", s.handleOrder)

	s.mux.HandleFunc("GET /v1/decisions", s.handleListDecisions)
	s.mux.HandleFunc("GET /v1/decisions/{id}", s.handleGetDecision)
	s.mux.HandleFunc("GET /v1/decisions/{id}/explain", s.handleExplain)

	s.mux.HandleFunc("POST /v1/risk/kill", s.handleKill)
	s.mux.HandleFunc("POST /v1/risk/freeze", s.handleFreeze)
	s.mux.HandleFunc("POST /v1/risk/resume", s.handleResume)
	s.mux.HandleFunc("GET /v1/risk/status", s.handleRiskStatus)
	s.mux.HandleFunc("GET /v1/positions", s.handlePositions)

	s.mux.HandleFunc("GET /ws/decisions", s.handleDecisionFeed)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", observability.NewPrometheusExporter(s.metrics.Registry))
	}
	if s.health != nil {
		s.mux.Handle("GET /healthz", s.health)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

func (s *Server) handlePutStrategy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	cfg, err := s.svc.RegisterStrategy(body)
	if err != nil {
		var verr *strategy.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    "invalid strategy",
				"strategy": verr.Strategy,
				"problems": verr.Problems,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Strategies().List())
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var (
		cfg *strategy.Config
		err error
	)
	if v := r.URL.Query().Get("version"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("version: %w", perr))
			return
		}
		cfg, err = s.svc.Strategies().Version(name, n)
	} else {
		cfg, err = s.svc.Strategies().Get(name)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

type evaluateRequest struct {
	Strategy string `json:"strategy"`
	Asset    string `json:"asset"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, errors.New("strategy is required"))
		return
	}

	if strings.TrimSpace(req.Asset) == "" {
		ds, err := s.svc.EvaluateBasket(r.Context(), req.Strategy)
		if errors.Is(err, strategy.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("strategy", req.Strategy).Msg("Basket evaluation incomplete")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, ds)
		return
	}

	d, err := s.svc.Evaluate(r.Context(), req.Strategy, req.Asset)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req pipeline.OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.svc.SubmitOrder(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ds, err := s.svc.Ledger().List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Ledger().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	text, err := s.svc.Ledger().Explain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}

// parseFilter reads strategy, asset, blocked, since, until (RFC 3339) and
// limit from the query string.
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Strategy: q.Get("strategy"),
		Asset:    q.Get("asset"),
	}
	if v := q.Get("blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("blocked: %w", err)
		}
		f.BlockedOnly = b
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s: %w", p.key, err)
		}
		*p.dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: want a non-negative integer, got %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Control plane
// ---------------------------------------------------------------------------

func (s *Server) handleKill(w http.ResponseWriter, _ *http.Request) {
	s.svc.RiskGate().Kill()
	log.Error().Msg("[CONTROL] Kill switch engaged via API")
	writeJSON(w, http.StatusOK, map[string]string{"state": s.svc.RiskGate().State()})
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual freeze"
	}
	s.svc.RiskGate().Freeze(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"state": s.svc.RiskGate().State()})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.RiskGate().Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": s.svc.RiskGate().State()})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, _ *http.Request) {
	out := s.svc.RiskGate().Metrics()
	out["state"] = s.svc.RiskGate().State()
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Websocket feed
// ---------------------------------------------------------------------------

// handleDecisionFeed streams every decision appended to the ledger as a
// JSON text frame. Slow clients miss decisions rather than stall writers.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Positions(r.URL.Query().Get("account")))
}

func (s *Server) handleDecisionFeed(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake so nothing recorded after the client
	// sees the upgrade response is missed.
	feed, cancel := s.svc.Ledger().Subscribe(wsBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	strategyFilter := r.URL.Query().Get("strategy")
	log.Info().Str("remote", r.RemoteAddr).Str("strategy", strategyFilter).Msg("ws: decision feed client connected")

	// Reader goroutine only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Info().Str("remote", r.RemoteAddr).Msg("ws: decision feed client disconnected")
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("ws: ping failed")
				return
			}
		case d, ok := <-feed:
			if !ok {
				return
			}
			if strategyFilter != "" && d.StrategyID != strategyFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(d); err != nil {
				log.Debug().Err(err).Msg("ws: write failed")
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, strategy.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidOrder):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
