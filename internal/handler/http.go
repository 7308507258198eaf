package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/koyon-nft/internal/domain"
	"github.com/koyon-nft/internal/metrics"
	"github.com/koyon-nft/internal/service"
	"github.com/koyon-nft/internal/websocket"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the game API
type Handler struct {
	service  *service.GameService
	hub      *websocket.Hub
	metrics  *metrics.Manager
	validate *validator.Validate
	checks   map[string]Pinger
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler. hub and metrics may be nil.
func NewHandler(
	service *service.GameService,
	hub *websocket.Hub,
	metrics *metrics.Manager,
	checks map[string]Pinger,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		checks:   checks,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	// NFT
	r.Post("/mint", h.Mint)
	r.Get("/counts", h.MintCounts)
	r.Post("/isMinted", h.IsMinted)
	r.Post("/myMeta", h.MyMetadata)

	// Predictions and raffle
	r.Post("/guess", h.RecordGuess)
	r.Post("/bet", h.RecordBet)
	r.Get("/bettings", h.BetCounts)

	// Points
	r.Post("/myPoints", h.MyPoints)
	r.Get("/leaderboard", h.Leaderboard)
	r.Route("/scores/{day}", func(r chi.Router) {
		r.Post("/", h.ScoreDay)
		r.Get("/runs", h.Runs)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a domain error onto an HTTP status
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrChainUnavailable):
		h.logger.Error(op+" failed", "error", err)
		h.writeError(w, http.StatusBadGateway, domain.ErrChainUnavailable)
	default:
		h.logger.Error(op+" failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads and validates a JSON body into dst
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, domain.ErrUnknownDay) {
			return err
		}
		return domain.ErrInvalidRequest
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &fieldError{field: verrs[0].Field(), tag: verrs[0].Tag()}
		}
		return domain.ErrInvalidRequest
	}
	return nil
}

type fieldError struct {
	field string
	tag   string
}

func (e *fieldError) Error() string {
	return domain.ErrInvalidRequest.Error() + ": " + e.field + " failed " + e.tag
}

func (e *fieldError) Unwrap() error {
	return domain.ErrInvalidRequest
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.topicSnapshot, h.logger, w, r)
}

// topicSnapshot is the state a new subscriber receives first
func (h *Handler) topicSnapshot(ctx context.Context, topic string) (interface{}, error) {
	if topic == websocket.TopicBettings {
		return h.service.BetCounts(ctx)
	}
	return h.service.TopPlayers(ctx, 10)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every backing dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    status,
			Error:   "not ready",
		})
		return
	}
	status["status"] = "ready"
	h.writeSuccess(w, status)
}

// Mint handles POST /mint
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	mint, err := h.service.Mint(r.Context(), req.Address, req.Category)
	if err != nil {
		h.writeServiceError(w, "mint", err)
		return
	}

	h.writeSuccess(w, MintResponse{
		Address:  mint.UserAddress,
		Category: mint.Category,
		TxHash:   mint.TxHash,
	})
}

// MintCounts handles GET /counts
func (h *Handler) MintCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.MintCounts(r.Context())
	if err != nil {
		h.writeServiceError(w, "mint counts", err)
		return
	}
	h.writeSuccess(w, counts)
}

// IsMinted handles POST /isMinted
func (h *Handler) IsMinted(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	minted, err := h.service.IsMinted(r.Context(), req.Address)
	if err != nil {
		h.writeServiceError(w, "is minted", err)
		return
	}
	h.writeSuccess(w, IsMintedResponse{Minted: minted})
}

// MyMetadata handles POST /myMeta
func (h *Handler) MyMetadata(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	meta, err := h.service.MyMetadata(r.Context(), req.Address)
	if err != nil {
		h.writeServiceError(w, "metadata", err)
		return
	}
	h.writeSuccess(w, meta)
}

// RecordGuess handles POST /guess
func (h *Handler) RecordGuess(w http.ResponseWriter, r *http.Request) {
	var req GuessRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.RecordGuess(r.Context(), req); err != nil {
		h.writeServiceError(w, "record guess", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "accepted"})
}

// RecordBet handles POST /bet
func (h *Handler) RecordBet(w http.ResponseWriter, r *http.Request) {
	var req BetRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.RecordBet(r.Context(), req); err != nil {
		h.writeServiceError(w, "record bet", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "accepted"})
}

// BetCounts handles GET /bettings
func (h *Handler) BetCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.BetCounts(r.Context())
	if err != nil {
		h.writeServiceError(w, "bet counts", err)
		return
	}
	h.writeSuccess(w, counts)
}

// MyPoints handles POST /myPoints
func (h *Handler) MyPoints(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	points, err := h.service.MyPoints(r.Context(), req.Address)
	if err != nil {
		h.writeServiceError(w, "my points", err)
		return
	}
	h.writeSuccess(w, points)
}

// ScoreDay handles POST /scores/{day}
func (h *Handler) ScoreDay(w http.ResponseWriter, r *http.Request) {
	day, err := domain.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req ScoreRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.ScoreDay(r.Context(), day, req.Result)
	if err != nil {
		h.writeServiceError(w, "score day", err)
		return
	}
	h.writeSuccess(w, summary)
}

// Runs handles GET /scores/{day}/runs
func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	day, err := domain.ParseDay(chi.URLParam(r, "day"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	runs, err := h.service.Runs(r.Context(), day)
	if err != nil {
		h.writeServiceError(w, "list runs", err)
		return
	}
	h.writeSuccess(w, runs)
}

// Leaderboard handles GET /leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = n
	}

	entries, err := h.service.TopPlayers(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "leaderboard", err)
		return
	}
	h.writeSuccess(w, entries)
}
