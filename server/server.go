// Package server exposes the public mixing API and the authenticated admin
// surface over chi.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"mixerd/audit"
	"mixerd/config"
	"mixerd/guard"
	"mixerd/mixer"
	"mixerd/models"
	"mixerd/noderpc"
	"mixerd/pool"
)

const maxDestinations = 10

// Config captures the dependencies required to construct the server.
type Config struct {
	DB      *gorm.DB
	Service *mixer.Service
	Pool    *pool.Manager
	Node    noderpc.Backend
	Auditor *audit.Recorder
	Guard   config.GuardConfig
	Admin   config.AdminConfig
	Logger  *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db      *gorm.DB
	service *mixer.Service
	pool    *pool.Manager
	node    noderpc.Backend
	auditor *audit.Recorder
	logger  *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with rate limiting, idempotency
// and admin authentication support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:      cfg.DB,
		service: cfg.Service,
		pool:    cfg.Pool,
		node:    cfg.Node,
		auditor: cfg.Auditor,
		logger:  logger,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	limiter := newIPRateLimiter(cfg.Guard.HTTPPerMinute, cfg.Guard.HTTPBurst)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(limiter.middleware)
			public.With(func(next http.Handler) http.Handler {
				return withIdempotency(s.db, next)
			}).Post("/mixes", s.CreateMix)
			public.Get("/mixes/{id}", s.GetMix)
			public.Get("/mixes/{id}/payment", s.GetPayment)
			public.Get("/mixes/{id}/history", s.GetHistory)
		})

		auth := newAuthenticator(authConfig{
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
		}, s.logger)
		api.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.middleware("admin"))
			admin.Post("/pool", s.AddPoolAddresses)
			admin.Post("/pool/{address}/sweep", s.SweepPoolAddress)
			admin.Get("/alerts", s.ListAlerts)
			admin.Post("/alerts/{id}/resolve", s.ResolveAlert)
			admin.Post("/mixes/{id}/fail", s.ForceFail)
		})
	})

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

type destinationRequest struct {
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

type destinationResponse struct {
	Address      string `json:"address"`
	Weight       int    `json:"weight"`
	AmountSats   int64  `json:"amount_sats"`
	ExternalTxID string `json:"external_tx_id,omitempty"`
}

type mixResponse struct {
	ID             string                `json:"id"`
	State          string                `json:"state"`
	AmountSats     int64                 `json:"amount_sats"`
	FeeSats        int64                 `json:"fee_sats"`
	PayoutSats     int64                 `json:"payout_sats"`
	DepositAddress string                `json:"deposit_address"`
	Rounds         int                   `json:"rounds"`
	RoundCursor    int                   `json:"round_cursor"`
	ExpiresAt      time.Time             `json:"expires_at"`
	CreatedAt      time.Time             `json:"created_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Destinations   []destinationResponse `json:"destinations"`
}

// CreateMix admits a new mixing request and leases its deposit address.
func (s *Server) CreateMix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountSats   int64                `json:"amount_sats"`
		Destinations []destinationRequest `json:"destinations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Destinations) == 0 {
		http.Error(w, "at least one destination required", http.StatusBadRequest)
		return
	}
	if len(req.Destinations) > maxDestinations {
		http.Error(w, "too many destinations", http.StatusBadRequest)
		return
	}

	specs := make([]mixer.DestinationSpec, 0, len(req.Destinations))
	for _, dest := range req.Destinations {
		if !plausibleAddress(dest.Address) {
			http.Error(w, "invalid destination address", http.StatusBadRequest)
			return
		}
		valid, err := s.node.ValidateAddress(r.Context(), dest.Address)
		if err != nil {
			s.logger.Error("address validation failed", "err", err)
			http.Error(w, "address validation unavailable", http.StatusServiceUnavailable)
			return
		}
		if !valid {
			http.Error(w, "invalid destination address", http.StatusBadRequest)
			return
		}
		weight := dest.Weight
		if weight <= 0 {
			weight = 1
		}
		specs = append(specs, mixer.DestinationSpec{Address: dest.Address, Weight: weight})
	}

	record, err := s.service.Create(r.Context(), mixer.CreateParams{
		Subject:      subjectHash(clientIP(r)),
		AmountSats:   req.AmountSats,
		Destinations: specs,
	})
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.mixToResponse(record))
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, guard.ErrAmountOutOfRange):
		http.Error(w, "amount out of range", http.StatusBadRequest)
	case errors.Is(err, guard.ErrRateExceeded):
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, guard.ErrPatternAbuse):
		http.Error(w, "request refused", http.StatusForbidden)
	case errors.Is(err, pool.ErrPoolExhausted):
		http.Error(w, "no capacity available", http.StatusServiceUnavailable)
	default:
		s.logger.Error("create mix failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// GetMix returns the lifecycle record for one transaction.
func (s *Server) GetMix(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadMix(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.mixToResponse(record))
}

// GetPayment reports the observed deposit for an awaiting transaction.
func (s *Server) GetPayment(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadMix(w, r)
	if !ok {
		return
	}
	info, err := s.node.ListReceived(r.Context(), record.DepositAddress)
	if err != nil {
		s.logger.Error("payment probe failed", "tx_id", record.ID.String(), "err", err)
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":              record.ID.String(),
		"state":           string(record.State),
		"deposit_address": record.DepositAddress,
		"required_sats":   record.AmountSats,
		"observed_sats":   int64(info.Amount),
		"confirmations":   info.Confirmations,
		"expires_at":      record.ExpiresAt,
	})
}

// GetHistory returns the audit trail for one transaction.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadMix(w, r)
	if !ok {
		return
	}
	entries, err := s.auditor.History(r.Context(), record.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"event":      entry.Event,
			"round":      entry.Round,
			"created_at": entry.CreatedAt,
		}
		if entry.Detail != "" {
			var detail map[string]any
			if err := json.Unmarshal([]byte(entry.Detail), &detail); err == nil {
				item["detail"] = detail
			}
		}
		out = append(out, item)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": record.ID.String(), "events": out})
}

// AddPoolAddresses registers operator-supplied pool addresses.
func (s *Server) AddPoolAddresses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(req.Addresses) == 0 {
		http.Error(w, "at least one address required", http.StatusBadRequest)
		return
	}
	for _, addr := range req.Addresses {
		if !plausibleAddress(addr) {
			http.Error(w, "invalid address: "+addr, http.StatusBadRequest)
			return
		}
	}
	added, err := s.pool.Add(r.Context(), req.Addresses)
	if err != nil {
		s.logger.Error("pool add failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

// SweepPoolAddress collects the accumulated fee residue on a pool address.
func (s *Server) SweepPoolAddress(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	swept, err := s.pool.Sweep(r.Context(), address)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "address not found", http.StatusNotFound)
			return
		}
		s.logger.Error("sweep failed", "address", address, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"address": address, "swept_sats": swept})
}

// ListAlerts returns security alerts, optionally filtered by resolution state.
func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	query := s.db.WithContext(r.Context()).Order("id DESC").Limit(200)
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid resolved filter", http.StatusBadRequest)
			return
		}
		query = query.Where("resolved = ?", resolved)
	}
	var alerts []models.SecurityAlert
	if err := query.Find(&alerts).Error; err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ResolveAlert marks a security alert as handled.
func (s *Server) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid alert id", http.StatusBadRequest)
		return
	}
	res := s.db.WithContext(r.Context()).
		Model(&models.SecurityAlert{}).
		Where("id = ? AND resolved = ?", id, false).
		Update("resolved", true)
	if res.Error != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res.RowsAffected == 0 {
		http.Error(w, "alert not found or already resolved", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
}

// ForceFail terminates a transaction on operator request.
func (s *Server) ForceFail(w http.ResponseWriter, r *http.Request) {
	record, ok := s.loadMix(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator intervention"
	}
	if err := s.service.ForceFail(r.Context(), record.ID, req.Reason); err != nil {
		if errors.Is(err, mixer.ErrConflictTerminal) {
			http.Error(w, "transaction already terminal", http.StatusConflict)
			return
		}
		s.logger.Error("force fail error", "tx_id", record.ID.String(), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": record.ID.String(), "state": string(models.StateFailed)})
}

// Healthz reports process liveness and store reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) loadMix(w http.ResponseWriter, r *http.Request) (*models.MixingTransaction, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return nil, false
	}
	record, err := s.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, mixer.ErrNotFound) {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return nil, false
		}
		s.logger.Error("load transaction failed", "tx_id", id.String(), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return record, true
}

func (s *Server) mixToResponse(record *models.MixingTransaction) mixResponse {
	dests := make([]destinationResponse, 0, len(record.Destinations))
	for _, dest := range record.Destinations {
		dests = append(dests, destinationResponse{
			Address:      dest.Address,
			Weight:       dest.Weight,
			AmountSats:   dest.AmountSats,
			ExternalTxID: dest.ExternalTxID,
		})
	}
	return mixResponse{
		ID:             record.ID.String(),
		State:          string(record.State),
		AmountSats:     record.AmountSats,
		FeeSats:        record.FeeSats,
		PayoutSats:     record.PayoutSats,
		DepositAddress: record.DepositAddress,
		Rounds:         record.Rounds,
		RoundCursor:    record.RoundCursor,
		ExpiresAt:      record.ExpiresAt,
		CreatedAt:      record.CreatedAt,
		CompletedAt:    record.CompletedAt,
		Destinations:   dests,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// plausibleAddress is a cheap shape check applied before the node RPC
// validation: base58 and bech32 mainnet/testnet addresses only.
func plausibleAddress(addr string) bool {
	if len(addr) < 26 || len(addr) > 90 {
		return false
	}
	for _, r := range addr {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		return false
	}
	return true
}

func subjectHash(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
