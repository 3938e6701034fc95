package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/vcode/internal/pkg/jwt"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.POST("/x", func(c *gin.Context) {
		subject, _ := c.Get(ContextSubjectKey)
		c.JSON(http.StatusOK, gin.H{"subject": subject})
	})
	r.OPTIONS("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func serve(r http.Handler, method string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/x", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORS_PreflightReturnsOK(t *testing.T) {
	r := newEngine(CORS(nil))
	w := serve(r, http.MethodOptions, map[string]string{"Origin": "https://app.example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "authorization, x-client-info, apikey, content-type")
	require.Empty(t, w.Body.String())
}

func TestCORS_Allowlist(t *testing.T) {
	r := newEngine(CORS([]string{"https://app.example.com"}))
	w := serve(r, http.MethodPost, map[string]string{"Origin": "https://app.example.com", "Authorization": "x"})
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(r, http.MethodPost, map[string]string{"Origin": "https://evil.example.com"})
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestBearerAuth_PresenceOnly(t *testing.T) {
	r := newEngine(BearerAuth(nil))
	require.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, nil).Code)
	require.Equal(t, http.StatusOK, serve(r, http.MethodPost, map[string]string{"Authorization": "Bearer whatever"}).Code)
}

func TestBearerAuth_VerifiesWithSecret(t *testing.T) {
	secret := []byte("s3cret")
	r := newEngine(BearerAuth(secret))

	token, err := jwt.GenerateToken("user-1", "authenticated", secret, time.Minute)
	require.NoError(t, err)
	w := serve(r, http.MethodPost, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "user-1")

	other, err := jwt.GenerateToken("user-1", "authenticated", []byte("other"), time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, map[string]string{"Authorization": "Bearer " + other}).Code)
	require.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, map[string]string{"Authorization": token}).Code)

	expired, err := jwt.GenerateToken("user-1", "authenticated", secret, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, map[string]string{"Authorization": "Bearer " + expired}).Code)
}

func TestRequestID(t *testing.T) {
	r := newEngine(RequestID())
	w := serve(r, http.MethodPost, nil)
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = serve(r, http.MethodPost, map[string]string{"X-Request-Id": "abc"})
	require.Equal(t, "abc", w.Header().Get("X-Request-Id"))
}

func TestTimeout_SetsDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Timeout(time.Second))
	var hasDeadline bool
	r.POST("/x", func(c *gin.Context) {
		_, hasDeadline = c.Request.Context().Deadline()
		c.Status(http.StatusOK)
	})
	serve(r, http.MethodPost, nil)
	require.True(t, hasDeadline)
}

func TestClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		headers map[string]string
		want    string
	}{
		{map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Forwarded-For": "1.1.1.1"}, "9.9.9.9"},
		{map[string]string{"X-Forwarded-For": " 1.1.1.1 , 2.2.2.2"}, "1.1.1.1"},
		{nil, "192.0.2.1"},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)
		for k, v := range tc.headers {
			c.Request.Header.Set(k, v)
		}
		require.Equal(t, tc.want, ClientIP(c))
	}
}
