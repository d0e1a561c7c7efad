package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"autotrader/internal/domain"
	"autotrader/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// OrderService is the slice of the engine the API drives.
type OrderService interface {
	CreateOrder(ctx context.Context, spec domain.OrderSpec) (*domain.Order, error)
	AssignToPortfolio(ctx context.Context, orderID, portfolioID string, c domain.Constraints) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
	EvaluateSweep(ctx context.Context, now time.Time) []domain.Transition
	MarketStatus(now time.Time) util.MarketStatus
	Now() time.Time
}

// BacktestService is the slice of the backtester the API drives.
type BacktestService interface {
	Run(ctx context.Context, req domain.BacktestRequest) (*domain.BacktestRun, error)
	Get(ctx context.Context, id string) (*domain.BacktestRun, error)
	List(ctx context.Context) ([]domain.BacktestRun, error)
	Cancel(ctx context.Context, id string) (*domain.BacktestRun, error)
}

// AssignRequest is the body of POST /api/v1/orders/{id}/assign.
type AssignRequest struct {
	PortfolioID string             `json:"portfolio_id"`
	Constraints domain.Constraints `json:"constraints"`
}

// CancelRequest is the optional body of POST /api/v1/orders/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// OrderList is the body of GET /api/v1/orders.
type OrderList struct {
	Orders []domain.Order `json:"orders"`
}

// SweepResult is the body of POST /api/v1/sweep.
type SweepResult struct {
	Transitions []domain.Transition `json:"transitions"`
}

// BacktestList is the body of GET /api/v1/backtests.
type BacktestList struct {
	Backtests []domain.BacktestRun `json:"backtests"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/v1/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/assign", s.handleAssignOrder)
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /api/v1/sweep", s.handleSweep)
	mux.HandleFunc("GET /api/v1/market/status", s.handleMarketStatus)

	if s.backtests != nil {
		mux.HandleFunc("POST /api/v1/backtests", s.handleRunBacktest)
		mux.HandleFunc("GET /api/v1/backtests", s.handleListBacktests)
		mux.HandleFunc("GET /api/v1/backtests/{id}", s.handleGetBacktest)
		mux.HandleFunc("POST /api/v1/backtests/{id}/cancel", s.handleCancelBacktest)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var spec domain.OrderSpec
	if err := decodeBody(r, &spec, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := s.orders.CreateOrder(r.Context(), spec)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(strings.ToUpper(r.URL.Query().Get("status")))
	orders, err := s.orders.ListOrders(r.Context(), status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, OrderList{Orders: orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleAssignOrder(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := s.orders.AssignToPortfolio(r.Context(), r.PathValue("id"), req.PortfolioID, req.Constraints)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	if err := s.orders.CancelOrder(r.Context(), id, req.Reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	order, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	transitions := s.orders.EvaluateSweep(r.Context(), s.orders.Now())
	if transitions == nil {
		transitions = []domain.Transition{}
	}
	writeJSON(w, http.StatusOK, SweepResult{Transitions: transitions})
}

// handleMarketStatus reports the gate at ?at= (RFC 3339, default now). With
// ?strict=true a closed market is an error.
func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	at := s.orders.Now()
	if v := q.Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid at: %w", err))
			return
		}
		at = t
	}
	strict := false
	if v := q.Get("strict"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid strict: %w", err))
			return
		}
		strict = b
	}

	st := s.orders.MarketStatus(at)
	if strict && !st.IsOpen {
		s.writeDomainError(w, fmt.Errorf("%w: next open %s", domain.ErrMarketClosed, st.NextOpen.Format(time.RFC3339)))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req domain.BacktestRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.backtests.Run(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	runs, err := s.backtests.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.BacktestRun{}
	}
	writeJSON(w, http.StatusOK, BacktestList{Backtests: runs})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	run, err := s.backtests.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	run, err := s.backtests.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrBacktestNotFound),
		errors.Is(err, domain.ErrPortfolioNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMarketClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrRiskConstraint):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		resp.Violations = ve.Violations
	}
	writeJSON(w, status, resp)
}
