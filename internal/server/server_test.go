package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-finance/internal/config"
	"github.com/ksred/klear-finance/internal/database"
	"github.com/ksred/klear-finance/internal/oracle"
	"github.com/ksred/klear-finance/internal/session"
	"github.com/ksred/klear-finance/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func (c *client) do(method, path, contentType, body string) (*httptest.ResponseRecorder, envelope) {
	c.t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)

	for _, ck := range w.Result().Cookies() {
		if ck.Name == "session" {
			c.cookie = ck
			if ck.MaxAge < 0 {
				c.cookie = nil
			}
		}
	}

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func (c *client) form(path string, values url.Values) (*httptest.ResponseRecorder, envelope) {
	return c.do(http.MethodPost, path, "application/x-www-form-urlencoded", values.Encode())
}

func (c *client) json(path, body string) (*httptest.ResponseRecorder, envelope) {
	return c.do(http.MethodPost, path, "application/json", body)
}

func (c *client) get(path string) (*httptest.ResponseRecorder, envelope) {
	return c.do(http.MethodGet, path, "", "")
}

func newTestServer(t *testing.T) (*Server, *oracle.Static, *client) {
	t.Helper()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "server.db")
	cfg.Server.RateLimit = false

	db, err := database.NewDatabase(cfg.Database, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	o := oracle.NewStatic(map[string]types.Quote{
		"NVDA": {Price: decimal.NewFromInt(100), Open: decimal.NewFromInt(98)},
		"AAPL": {Price: decimal.NewFromInt(150), Open: decimal.NewFromInt(160)},
	})

	s, err := New(cfg, db, o, session.NewMemoryStore())
	require.NoError(t, err)

	return s, o, &client{t: t, handler: s.Handler()}
}

func assertNoCache(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
}

func TestTradingSession(t *testing.T) {
	_, o, c := newTestServer(t)

	w, _ := c.get("/")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assertNoCache(t, w)

	w, env := c.form("/register", url.Values{"username": {"alice"}, "password": {"p1"}, "confirmation": {"p2"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PASSWORD_MISMATCH", env.Error.Code)

	w, _ = c.form("/register", url.Values{"username": {"alice"}, "password": {"p1"}, "confirmation": {"p1"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = c.form("/login", url.Values{"username": {"alice"}, "password": {"p1"}})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, c.cookie)

	w, env = c.json("/buy", `{"symbol":"nvda","shares":"10"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assertNoCache(t, w)
	var bought struct {
		CashDisplay string `json:"cash_display"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &bought))
	assert.Equal(t, "$9,000.00", bought.CashDisplay)

	w, env = c.form("/buy", url.Values{"symbol": {"NVDA"}, "shares": {"abc"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_QUANTITY", env.Error.Code)

	w, env = c.form("/buy", url.Values{"symbol": {"NVDA"}, "shares": {"91"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", env.Error.Code)

	w, env = c.get("/")
	require.Equal(t, http.StatusOK, w.Code)
	var p struct {
		Positions []struct {
			Symbol string `json:"symbol"`
			Shares int64  `json:"shares"`
		} `json:"positions"`
		CashDisplay  string `json:"cash_display"`
		TotalDisplay string `json:"total_display"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.Len(t, p.Positions, 1)
	assert.Equal(t, "NVDA", p.Positions[0].Symbol)
	assert.Equal(t, int64(10), p.Positions[0].Shares)
	assert.Equal(t, "$9,000.00", p.CashDisplay)
	assert.Equal(t, "$10,000.00", p.TotalDisplay)

	w, env = c.get("/sell")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"symbols":["NVDA"]}`, string(env.Data))

	o.Set("NVDA", decimal.NewFromInt(120), decimal.NewFromInt(98))

	w, env = c.form("/sell", url.Values{"symbol": {"NVDA"}, "shares": {"11"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_SHARES", env.Error.Code)

	w, _ = c.form("/sell", url.Values{"symbol": {"NVDA"}, "shares": {"10"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, env = c.get("/")
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Empty(t, p.Positions)
	assert.Equal(t, "$10,200.00", p.CashDisplay)

	w, env = c.get("/history")
	require.Equal(t, http.StatusOK, w.Code)
	var h struct {
		Transactions []struct {
			Symbol string `json:"symbol"`
			Shares int64  `json:"shares"`
			Type   string `json:"type"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &h))
	require.Len(t, h.Transactions, 2)
	assert.Equal(t, "sell", h.Transactions[0].Type)
	assert.Equal(t, int64(-10), h.Transactions[0].Shares)
	assert.Equal(t, "buy", h.Transactions[1].Type)

	w, _ = c.get("/logout")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, c.cookie)

	w, _ = c.get("/")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQuoteAndCompare(t *testing.T) {
	s, _, c := newTestServer(t)

	_, err := s.Auth.Register(context.Background(), "bob", "pw", "pw")
	require.NoError(t, err)
	w, _ := c.json("/login", `{"username":"bob","password":"pw"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := c.form("/quote", url.Values{"symbol": {"aapl"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var q struct {
		PriceDisplay string `json:"price_display"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "$150.00", q.PriceDisplay)

	w, env = c.form("/quote", url.Values{"symbol": {"ZZZZ"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_SYMBOL", env.Error.Code)

	w, env = c.form("/compare", url.Values{"symbol1": {"NVDA"}, "symbol2": {"AAPL"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var cmp struct {
		First struct {
			ChangePercent string `json:"change_percent"`
		} `json:"first"`
		Second struct {
			ChangePercent string `json:"change_percent"`
		} `json:"second"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &cmp))
	assert.Equal(t, "2.0408", cmp.First.ChangePercent)
	assert.Equal(t, "-6.25", cmp.Second.ChangePercent)

	w, env = c.form("/compare", url.Values{"symbol1": {"NVDA"}, "symbol2": {"NOPE"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_SYMBOL", env.Error.Code)
}

func TestLoginFailures(t *testing.T) {
	s, _, c := newTestServer(t)

	_, err := s.Auth.Register(context.Background(), "carol", "pw", "pw")
	require.NoError(t, err)

	w, env := c.form("/login", url.Values{"username": {"carol"}, "password": {"bad"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)
	assert.Nil(t, c.cookie)

	w, env = c.form("/login", url.Values{"password": {"pw"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "MISSING_FIELD", env.Error.Code)
	assertNoCache(t, w)
}

func TestBearerTokenSession(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, err := s.Auth.Register(context.Background(), "dave", "pw", "pw")
	require.NoError(t, err)
	token, err := s.Auth.Login(context.Background(), "dave", "pw")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token.Token)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
