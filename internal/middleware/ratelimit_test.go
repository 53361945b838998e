package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/conference-registration/internal/config"
)

func newContext(t *testing.T, path string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path+"?token=secret", nil)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.9")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	return c
}

func TestBuildRateKey(t *testing.T) {
	c := newContext(t, "/join")
	cfg := config.RateLimitConfig{Prefix: "rl"}

	cfg.KeyStrategy = "ip"
	assert.Equal(t, "rl:ip:203.0.113.9", buildRateKey(cfg, c))
	cfg.KeyStrategy = "route"
	assert.Equal(t, "rl:route:GET /join", buildRateKey(cfg, c))
	cfg.KeyStrategy = "ip_route"
	assert.Equal(t, "rl:ip:203.0.113.9:route:GET /join", buildRateKey(cfg, c))
}

func TestNewTokenBucket_PassesThroughWithoutRedis(t *testing.T) {
	mw := NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, slog.Default())
	calls := 0
	h := mw(func(c echo.Context) error { calls++; return c.NoContent(http.StatusNoContent) })

	for i := 0; i < 3; i++ {
		require.NoError(t, h(newContext(t, "/join")))
	}
	assert.Equal(t, 3, calls)
}

func TestAsInt64(t *testing.T) {
	assert.Equal(t, int64(3), asInt64(int64(3)))
	assert.Equal(t, int64(4), asInt64("4"))
	assert.Equal(t, int64(0), asInt64(nil))
}

func TestRequestLogger_OmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(log))
	e.GET("/join", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/join?token=secret", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "path=/join")
	assert.Contains(t, buf.String(), "status=200")
	assert.NotContains(t, buf.String(), "secret")
}
