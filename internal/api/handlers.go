package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/book"
	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/position"
	"github.com/xtrntr/tradecore/internal/store"
)

type ctxKey struct{}

// lastKnown is implemented by providers that remember quotes
type lastKnown interface {
	LastKnown(pair string) (market.Ticker, bool)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store       store.Store
	Engine      *engine.Engine
	Market      market.Provider
	AuthService *auth.AuthService
	log         logrus.FieldLogger
}

// NewHandler creates a new handler
func NewHandler(s store.Store, eng *engine.Engine, m market.Provider, authService *auth.AuthService, log logrus.FieldLogger) *Handler {
	return &Handler{
		Store:       s,
		Engine:      eng,
		Market:      m,
		AuthService: authService,
		log:         log.WithField("component", "api"),
	}
}

type errorBody struct {
	Category engine.Category `json:"category"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	OrderID  *uuid.UUID      `json:"order_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(c engine.Category) int {
	switch c {
	case engine.CategoryPrecondition:
		return http.StatusBadRequest
	case engine.CategoryExecution:
		return http.StatusServiceUnavailable
	case engine.CategoryNotFound:
		return http.StatusNotFound
	case engine.CategoryConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError classifies err into the error body. System errors are logged
// and their message is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, order *models.Order) {
	cat, code := engine.Classify(err)
	body := errorBody{Category: cat, Code: code, Message: err.Error()}
	if cat == engine.CategorySystem {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		body.Message = "system error"
	}
	if order != nil {
		body.OrderID = &order.ID
	}
	writeJSON(w, statusFor(cat), body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Category: engine.CategoryPrecondition, Code: "bad_request", Message: msg})
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Category: engine.CategoryPrecondition, Code: "unauthorized", Message: msg})
}

func userID(r *http.Request) (int, bool) {
	id, ok := r.Context().Value(ctxKey{}).(int)
	return id, ok
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		badRequest(w, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidInput) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		unauthorized(w, "Invalid credentials")
		return
	}
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			unauthorized(w, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		id, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			unauthorized(w, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlaceOrder submits an order to the engine. Market orders come back filled,
// or open when the quote was unavailable.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}

	var in engine.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	// bots and copy trading submit in-process only
	switch in.Source {
	case "", models.SourceManual, models.SourceSignal:
	default:
		h.writeError(w, r, fmt.Errorf("%w: source %q not accepted over the API", engine.ErrInvalidOrder, in.Source), nil)
		return
	}

	order, err := h.Engine.Submit(r.Context(), uid, in)
	if err != nil {
		h.writeError(w, r, err, order)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders, optionally by pair and status
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}

	f := store.OrderFilter{UserID: uid, Pair: r.URL.Query().Get("pair")}
	if s := r.URL.Query().Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, models.OrderStatus(st))
		}
	}
	orders, err := h.Store.ListOrders(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ownOrder loads the order in the URL and hides other users' orders
func (h *Handler) ownOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "Invalid order ID")
		return nil, false
	}
	order, err := h.Engine.Order(r.Context(), id)
	if err == nil && order.UserID != uid {
		err = fmt.Errorf("%w: %s", engine.ErrOrderNotFound, id)
	}
	if err != nil {
		h.writeError(w, r, err, nil)
		return nil, false
	}
	return order, true
}

// GetOrder returns one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels an open order and releases its reservation
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownOrder(w, r)
	if !ok {
		return
	}
	cancelled, err := h.Engine.Cancel(r.Context(), order.ID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}

	var orderID *uuid.UUID
	if s := r.URL.Query().Get("order_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			badRequest(w, "Invalid order ID")
			return
		}
		orderID = &id
	}
	trades, err := h.Store.ListTrades(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetWallets lists the caller's balances
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}
	wallets, err := h.Store.ListWallets(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

// GetTransactions lists journal entries, newest first
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "Invalid limit")
			return
		}
		limit = n
	}
	txns, err := h.Store.ListTransactions(r.Context(), uid, limit)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

type positionView struct {
	position.Valuation
	MarkStale bool `json:"mark_stale"`
}

// GetPositions marks each open position to the last traded price. Without
// any quote the mark is left at zero and flagged stale.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		unauthorized(w, "Unauthorized")
		return
	}
	positions, err := h.Store.ListPositions(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		t, err := h.ticker(r.Context(), p.Pair)
		if err != nil || !t.Last.IsPositive() {
			out = append(out, positionView{Valuation: position.Valuation{Position: p}, MarkStale: true})
			continue
		}
		out = append(out, positionView{Valuation: position.Value(p, t.Last), MarkStale: t.Stale})
	}
	writeJSON(w, http.StatusOK, out)
}

// ticker falls back to the last known quote, marked stale, for display
func (h *Handler) ticker(ctx context.Context, pair string) (market.Ticker, error) {
	t, err := h.Market.Ticker(ctx, pair)
	if err == nil {
		return t, nil
	}
	if lk, ok := h.Market.(lastKnown); ok {
		if t, ok := lk.LastKnown(pair); ok {
			return t, nil
		}
	}
	return market.Ticker{}, err
}

// GetPairs lists tradable pairs
func (h *Handler) GetPairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.Store.ListPairs(r.Context(), true)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

// GetTicker returns the current quote for ?pair=
func (h *Handler) GetTicker(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		badRequest(w, "pair is required")
		return
	}
	t, err := h.ticker(r.Context(), pair)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetCandles returns ?limit= candles of ?timeframe= for ?pair=
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pair, tf := q.Get("pair"), q.Get("timeframe")
	if pair == "" {
		badRequest(w, "pair is required")
		return
	}
	if tf == "" {
		tf = "1h"
	}
	if !market.ValidTimeframe(tf) {
		badRequest(w, "Unsupported timeframe")
		return
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(w, "Invalid limit")
			return
		}
		limit = n
	}
	candles, err := h.Market.Historical(r.Context(), pair, tf, limit)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// GetOrderBook aggregates resting limit orders for ?pair=
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		badRequest(w, "pair is required")
		return
	}
	orders, err := h.Store.ListOrders(r.Context(), store.OrderFilter{
		Pair:     pair,
		Statuses: []models.OrderStatus{models.StatusOpen, models.StatusPartiallyFilled},
	})
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	b := book.NewBook(pair)
	for _, o := range orders {
		b.AddOrder(o)
	}
	writeJSON(w, http.StatusOK, b.GetOrderBook())
}
