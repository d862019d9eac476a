package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/hub"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/logging"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/risk"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/store"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// sideEffectTimeout bounds persistence and publishing after a batch is sized
const sideEffectTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Publisher publishes sized batches downstream
type Publisher interface {
	PublishBatch(ctx context.Context, batch *models.Batch) error
}

// Handler contains dependencies for HTTP handlers.
// store and publisher may be nil when the service runs without Postgres or Redis.
type Handler struct {
	ctx       context.Context
	policy    risk.Policy
	levels    map[string]risk.RiskLevel
	store     store.Store
	publisher Publisher
	hub       *hub.Hub
	log       *logrus.Entry
}

// NewHandler creates a new handler. ctx outlives requests and scopes websocket pumps.
func NewHandler(ctx context.Context, policy risk.Policy, levels map[string]risk.RiskLevel, st store.Store, pub Publisher, h *hub.Hub) *Handler {
	return &Handler{
		ctx:       ctx,
		policy:    policy,
		levels:    levels,
		store:     st,
		publisher: pub,
		hub:       h,
		log:       logging.WithComponent("handlers"),
	}
}

// Routes mounts the API on a router
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/risk-levels", h.GetRiskLevels)
		r.Get("/bankroll/{userID}", h.GetBankroll)
		r.Get("/batches/{userID}", h.GetBatches)
		r.Post("/recommendations", h.CreateRecommendations)
	})
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "risk-engine",
		"store":     h.store != nil,
		"publisher": h.publisher != nil,
	}
	if h.hub != nil {
		health["ws"] = h.hub.Metrics()
	}

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["store_error"] = err.Error()
		}
	}

	respondJSON(w, http.StatusOK, health)
}

// GetRiskLevels lists the risk level presets and the base policy
func (h *Handler) GetRiskLevels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.RiskLevelsResponse{
		Policy: h.policy,
		Levels: risk.SortedRiskLevels(h.levels),
	})
}

// GetBankroll returns the current bankroll snapshot of a user
func (h *Handler) GetBankroll(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusServiceUnavailable, "bankroll store not configured")
		return
	}

	userID := chi.URLParam(r, "userID")
	state, err := h.store.Snapshot(r.Context(), userID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":              userID,
		"bankroll":             state,
		"remaining_daily_loss": state.RemainingDailyLoss(),
		"daily_loss_exhausted": state.DailyLossExhausted(),
	})
}

// GetBatches returns the most recent batches of a user
func (h *Handler) GetBatches(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusServiceUnavailable, "bankroll store not configured")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	headers, err := h.store.RecentBatches(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"batches": headers,
		"count":   len(headers),
	})
}

// CreateRecommendations sizes a batch of candidate bets
func (h *Handler) CreateRecommendations(w http.ResponseWriter, r *http.Request) {
	var req models.RecommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	bankroll, err := h.resolveBankroll(r.Context(), req)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	policy, err := h.policy.WithRiskLevel(req.RiskLevel, h.levels)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	engine, err := risk.NewEngine(policy)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	threshold := policy.ConfidenceThreshold
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
	}

	candidates := make([]risk.CandidateBet, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i] = c.ToCandidate()
	}

	recs, err := engine.ComputeWithThreshold(bankroll, candidates, threshold)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	batch := &models.Batch{
		ID:                  uuid.New().String(),
		UserID:              req.UserID,
		CreatedAt:           time.Now().UTC(),
		RiskLevel:           policy.RiskLevel,
		ConfidenceThreshold: threshold,
		Bankroll:            bankroll,
		Recommendations:     recs,
		Summary:             risk.Summarize(bankroll, recs, policy),
	}

	h.log.WithFields(logrus.Fields{
		"batch_id":    batch.ID,
		"user_id":     batch.UserID,
		"candidates":  len(recs),
		"staked":      batch.Summary.StakedCount,
		"total_stake": batch.Summary.TotalStake.String(),
	}).Info("batch sized")

	h.distribute(batch)

	respondJSON(w, http.StatusOK, batch)
}

// resolveBankroll takes the inline bankroll or loads the user's snapshot
func (h *Handler) resolveBankroll(ctx context.Context, req models.RecommendationRequest) (risk.BankrollState, error) {
	if req.Bankroll != nil {
		return *req.Bankroll, nil
	}
	if req.UserID == "" {
		return risk.BankrollState{}, errMissingBankroll
	}
	if h.store == nil {
		return risk.BankrollState{}, errStoreUnavailable
	}
	return h.store.Snapshot(ctx, req.UserID)
}

// distribute persists, publishes and broadcasts a batch. Failures are logged only.
func (h *Handler) distribute(batch *models.Batch) {
	log := h.log.WithField("batch_id", batch.ID)

	ctx, cancel := context.WithTimeout(h.ctx, sideEffectTimeout)
	defer cancel()

	if h.store != nil {
		if err := h.store.SaveBatch(ctx, batch); err != nil {
			log.WithError(err).Error("failed to save batch")
		}
	}

	if h.publisher != nil {
		if err := h.publisher.PublishBatch(ctx, batch); err != nil {
			log.WithError(err).Error("failed to publish batch")
		}
	}

	if h.hub != nil {
		h.hub.Broadcast(batch)
	}
}

// HandleWebSocket upgrades the connection and attaches a hub client
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "websocket feed not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := hub.NewClient(uuid.New().String(), conn, h.hub)
	h.hub.Register(c)

	go c.WritePump(h.ctx)
	go c.ReadPump(h.ctx)
}

var (
	errMissingBankroll  = errors.New("bankroll or user_id is required")
	errStoreUnavailable = errors.New("bankroll store not configured")
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, risk.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, risk.ErrNoCandidates),
		errors.Is(err, risk.ErrInvalidThreshold),
		errors.Is(err, risk.ErrUnknownRiskLevel),
		errors.Is(err, errMissingBankroll):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrBankrollNotFound):
		return http.StatusNotFound
	case errors.Is(err, errStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
