package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/tradecore/internal/auth"
	"github.com/xtrntr/tradecore/internal/engine"
	"github.com/xtrntr/tradecore/internal/ledger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/memdb"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/position"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	router chi.Router
	db     *memdb.DB
	auth   *auth.AuthService
	ledger *ledger.Ledger
	mkt    *market.StaticProvider
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := memdb.New()
	require.NoError(t, db.UpsertPair(ctx, &models.Pair{
		Symbol: "BTC/USD", BaseCurrency: "BTC", QuoteCurrency: "USD", MarketType: models.MarketCrypto,
		MinOrderSize: dec("0.0001"), MaxOrderSize: dec("100"), FeePercentage: dec("0.1"),
		PricePrecision: 2, QuantityPrecision: 8, IsActive: true,
	}))

	logger, _ := test.NewNullLogger()
	l := ledger.New(db, logger)
	mkt := market.NewStaticProvider()
	mkt.SetQuote("BTC/USD", dec("99"), dec("100"))
	eng := engine.New(db, l, position.NewTracker(logger), mkt, logger)
	authService := auth.NewAuthService(db, "test-secret", time.Hour)

	h := NewHandler(db, eng, mkt, authService, logger)
	return &testEnv{
		router: NewRouter(h, nil, nil),
		db:     db,
		auth:   authService,
		ledger: l,
		mkt:    mkt,
	}
}

// user registers username, funds it with USD and returns a bearer token
func (e *testEnv) user(t *testing.T, username, usd string) string {
	t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, username, "testpass")
	require.NoError(t, err)
	if usd != "" {
		require.NoError(t, e.ledger.Deposit(ctx, u.ID, "USD", dec(usd), "DEP-"+username))
	}
	token, err := e.auth.Login(ctx, username, "testpass")
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHandler_Register(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name           string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedBody   map[string]interface{}
	}{
		{
			name: "Success",
			requestBody: map[string]interface{}{
				"username": "testuser",
				"password": "testpass",
			},
			expectedStatus: http.StatusCreated,
			expectedBody: map[string]interface{}{
				"id":       float64(1), // JSON numbers are float64
				"username": "testuser",
			},
		},
		{
			name: "Missing Password",
			requestBody: map[string]interface{}{
				"username": "testuser",
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody: map[string]interface{}{
				"category": "precondition",
				"code":     "bad_request",
				"message":  "Username and password required",
			},
		},
		{
			name: "Duplicate",
			requestBody: map[string]interface{}{
				"username": "testuser",
				"password": "other",
			},
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)
			response := decode(t, w)
			if tt.expectedBody != nil {
				assert.Equal(t, tt.expectedBody, response)
			}
		})
	}
}

func TestHandler_Login(t *testing.T) {
	env := setup(t)
	env.user(t, "testuser", "")

	w := env.do(t, "POST", "/auth/login", "", map[string]string{"username": "testuser", "password": "testpass"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["token"])

	w = env.do(t, "POST", "/auth/login", "", map[string]string{"username": "testuser", "password": "wrongpass"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["code"])
}

func TestHandler_PlaceOrder(t *testing.T) {
	env := setup(t)
	token := env.user(t, "alice", "1000")

	tests := []struct {
		name           string
		token          string
		requestBody    map[string]interface{}
		expectedStatus int
		expectedCode   string
		expectedState  string
	}{
		{
			name:  "Limit Buy Rests",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "1", "limit_price": "90",
			},
			expectedStatus: http.StatusCreated,
			expectedState:  "open",
		},
		{
			name:  "Market Buy Fills",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "1",
			},
			expectedStatus: http.StatusCreated,
			expectedState:  "filled",
		},
		{
			name:  "Signal Source Accepted",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "0.5", "limit_price": "80",
				"source": "signal", "source_ref": "sig-42",
			},
			expectedStatus: http.StatusCreated,
			expectedState:  "open",
		},
		{
			name:  "Insufficient Funds",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "50", "limit_price": "90",
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "insufficient_funds",
		},
		{
			name:  "Unknown Pair",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "XYZ/USD", "type": "market", "side": "buy", "quantity": "1",
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "unknown_pair",
		},
		{
			name:  "Bot Source Refused",
			token: token,
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "1", "source": "bot",
			},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "invalid_order",
		},
		{
			name: "No Token",
			requestBody: map[string]interface{}{
				"pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "1",
			},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "unauthorized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/orders", tt.token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)
			response := decode(t, w)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, response["code"])
				return
			}
			assert.Equal(t, tt.expectedState, response["status"])
			assert.NotEmpty(t, response["id"])
		})
	}
}

func TestHandler_MarketDataUnavailable(t *testing.T) {
	env := setup(t)
	token := env.user(t, "alice", "1000")
	env.mkt.Fail("BTC/USD", market.ErrDataUnavailable)

	w := env.do(t, "POST", "/orders", token, map[string]interface{}{
		"pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	response := decode(t, w)
	assert.Equal(t, "execution", response["category"])
	assert.Equal(t, "market_data_unavailable", response["code"])
}

func TestHandler_WalletsAndPositions(t *testing.T) {
	env := setup(t)
	token := env.user(t, "alice", "1000")

	w := env.do(t, "POST", "/orders", token, map[string]interface{}{
		"pair": "BTC/USD", "type": "market", "side": "buy", "quantity": "1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "GET", "/wallets", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallets []models.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallets))
	balances := make(map[string]string)
	for _, wl := range wallets {
		balances[wl.Currency] = wl.Available.String()
		assert.True(t, wl.Locked.IsZero(), wl.Currency)
	}
	// 100 at the ask plus a 0.1% fee
	assert.Equal(t, "899.9", balances["USD"])
	assert.Equal(t, "1", balances["BTC"])

	w = env.do(t, "GET", "/positions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var positions []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "long", positions[0]["side"])
	assert.Equal(t, "100", positions[0]["entry_price"])
	// marked at the 99.5 mid
	assert.Equal(t, "-0.5", positions[0]["unrealized_pnl"])
	assert.Equal(t, false, positions[0]["mark_stale"])

	w = env.do(t, "GET", "/trades", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "0.1", trades[0].Fee.String())

	w = env.do(t, "GET", "/transactions?limit=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txns []models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txns))
	assert.Len(t, txns, 2)

	w = env.do(t, "GET", "/transactions?limit=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetAndCancelOrder(t *testing.T) {
	env := setup(t)
	alice := env.user(t, "alice", "1000")
	bob := env.user(t, "bob", "1000")

	w := env.do(t, "POST", "/orders", alice, map[string]interface{}{
		"pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "1", "limit_price": "90",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = env.do(t, "GET", "/orders/"+id, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "90.09", decode(t, w)["reserved_amount"])

	// other users cannot see or cancel it
	w = env.do(t, "GET", "/orders/"+id, bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, "DELETE", "/orders/"+id, bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "order_not_found", decode(t, w)["code"])

	w = env.do(t, "GET", "/orders/not-a-uuid", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "DELETE", "/orders/"+id, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	w = env.do(t, "DELETE", "/orders/"+id, alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "order_not_cancellable", decode(t, w)["code"])

	w = env.do(t, "GET", "/orders?status=cancelled", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	assert.Len(t, orders, 1)
}

func TestHandler_GetOrderBook(t *testing.T) {
	env := setup(t)
	alice := env.user(t, "alice", "1000")

	for _, p := range []string{"90", "90", "85"} {
		w := env.do(t, "POST", "/orders", alice, map[string]interface{}{
			"pair": "BTC/USD", "type": "limit", "side": "buy", "quantity": "1", "limit_price": p,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, "GET", "/orderbook?pair=BTC/USD", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var depth struct {
		Pair string `json:"pair"`
		Bids []struct {
			Price    string `json:"price"`
			Quantity string `json:"quantity"`
			Orders   int    `json:"orders"`
		} `json:"bids"`
		Asks []interface{} `json:"asks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &depth))
	require.Len(t, depth.Bids, 2)
	assert.Equal(t, "90", depth.Bids[0].Price)
	assert.Equal(t, "2", depth.Bids[0].Quantity)
	assert.Equal(t, 2, depth.Bids[0].Orders)
	assert.Equal(t, "85", depth.Bids[1].Price)
	assert.Empty(t, depth.Asks)

	w = env.do(t, "GET", "/orderbook", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MarketData(t *testing.T) {
	env := setup(t)
	env.mkt.SetCandles("BTC/USD", market.CandlesFromCloses("1", "2", "3"))

	w := env.do(t, "GET", "/ticker?pair=BTC/USD", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "99", response["bid"])
	assert.Equal(t, "100", response["ask"])

	w = env.do(t, "GET", "/ticker?pair=ETH/USD", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, "GET", "/candles?pair=BTC/USD&timeframe=1h&limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var candles []market.Candle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &candles))
	require.Len(t, candles, 2)
	assert.Equal(t, "3", candles[1].Close.String())

	w = env.do(t, "GET", "/candles?pair=BTC/USD&timeframe=7m", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "GET", "/pairs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pairs []models.Pair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pairs))
	assert.Len(t, pairs, 1)
}

func TestHandler_TickerFallsBackToLastKnown(t *testing.T) {
	env := setup(t)
	cached := market.NewCachedProvider(env.mkt, nil, market.CacheConfig{DefaultTTL: time.Millisecond})
	logger, _ := test.NewNullLogger()
	h := NewHandler(env.db, nil, cached, env.auth, logger)
	router := NewRouter(h, nil, nil)

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/ticker?pair=BTC/USD", nil))
		return w
	}

	w := get()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["stale"])

	time.Sleep(5 * time.Millisecond)
	env.mkt.Fail("BTC/USD", market.ErrDataUnavailable)

	w = get()
	require.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, true, response["stale"])
	assert.Equal(t, "99", response["bid"])
}
