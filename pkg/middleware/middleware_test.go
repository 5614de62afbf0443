package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.POST("/json-rpc", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client": c.GetString(clientIDKey)})
	})
	return r
}

func do(r http.Handler, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/json-rpc", nil)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var body struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestRateLimitPerClient(t *testing.T) {
	rl := NewRateLimiter(1)
	r := newRouter(rl.Middleware())

	assert.Equal(t, http.StatusOK, do(r, nil).Code)
	w := do(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, -32603, errorCode(t, w))

	other := httptest.NewRequest(http.MethodPost, "/json-rpc", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	r := newRouter(NewRateLimiter(0).Middleware())
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, do(r, nil).Code)
	}
}

func TestSweepDropsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(60)
	rl.getLimiter("a")
	rl.getLimiter("b")
	assert.Equal(t, 0, rl.sweep(time.Now()))
	assert.Equal(t, 2, rl.sweep(time.Now().Add(time.Hour)))
	assert.Empty(t, rl.visitors)
}

func TestJWTAuth(t *testing.T) {
	svc, err := auth.NewService("secret")
	require.NoError(t, err)
	r := newRouter(JWTAuth(svc))

	w := do(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, -32603, errorCode(t, w))

	w = do(r, http.Header{"Authorization": {"Token abc"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.Header{"Authorization": {"Bearer abc"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _, err := svc.IssueToken("loadgen", time.Hour)
	require.NoError(t, err)
	w = do(r, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"client":"loadgen"}`, w.Body.String())
}

func TestRateLimitKeysOnAuthenticatedClient(t *testing.T) {
	svc, err := auth.NewService("secret")
	require.NoError(t, err)
	rl := NewRateLimiter(1)
	r := newRouter(JWTAuth(svc), rl.Middleware())

	a, _, err := svc.IssueToken("a", time.Hour)
	require.NoError(t, err)
	b, _, err := svc.IssueToken("b", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(r, http.Header{"Authorization": {"Bearer " + a}}).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.Header{"Authorization": {"Bearer " + a}}).Code)
	assert.Equal(t, http.StatusOK, do(r, http.Header{"Authorization": {"Bearer " + b}}).Code)
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	r := newRouter(RequestLogger())

	w := do(r, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	w = do(r, http.Header{RequestIDHeader: {"abc"}})
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}
