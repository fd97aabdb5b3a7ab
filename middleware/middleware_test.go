package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/utils"
)

func init() { gin.SetMode(gin.TestMode) }

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	verifier := utils.NewTokenVerifier("secret")
	r := gin.New()
	r.GET("/me", AuthMiddleware(verifier), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	token, _ := verifier.GenerateToken("u1", "", time.Hour)
	cases := []struct {
		name   string
		header string
		key    string
		want   int
	}{
		{"bearer", "Bearer " + token, "Authorization", http.StatusOK},
		{"ios header", "Bearer " + token, "X-Auth-Token", http.StatusOK},
		{"missing", "", "Authorization", http.StatusUnauthorized},
		{"malformed", token, "Authorization", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "Authorization", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set(tc.key, tc.header)
		}
		w := serve(r, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
		if tc.want == http.StatusOK && w.Body.String() != "u1" {
			t.Fatalf("%s: user id not set, got %q", tc.name, w.Body.String())
		}
	}
}

func TestRequireRoles(t *testing.T) {
	verifier := utils.NewTokenVerifier("secret")
	r := gin.New()
	r.GET("/admin", AuthMiddleware(verifier), RequireRoles("admin"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	admin, _ := verifier.GenerateToken("a", "admin", time.Hour)
	user, _ := verifier.GenerateToken("u", "", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	if w := serve(r, req); w.Code != http.StatusNoContent {
		t.Fatalf("admin: got %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("user: got %d", w.Code)
	}
}

type stubValidator struct{ ok string }

func (s stubValidator) Validate(_ context.Context, token string) error {
	if token != s.ok {
		return errors.New("bad audience")
	}
	return nil
}

func TestEventAuth(t *testing.T) {
	r := gin.New()
	r.POST("/events", EventAuth(stubValidator{ok: "good"}, logger.Nop()), func(c *gin.Context) { c.Status(http.StatusOK) })

	for token, want := range map[string]int{"": 401, "bad": 401, "good": 200} {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if w := serve(r, req); w.Code != want {
			t.Fatalf("token %q: expected %d, got %d", token, want, w.Code)
		}
	}

	open := gin.New()
	open.POST("/events", EventAuth(nil, logger.Nop()), func(c *gin.Context) { c.Status(http.StatusOK) })
	if w := serve(open, httptest.NewRequest(http.MethodPost, "/events", nil)); w.Code != http.StatusOK {
		t.Fatalf("nil validator must allow, got %d", w.Code)
	}
}

func TestTraceContextHeaders(t *testing.T) {
	r := gin.New()
	r.Use(AttachTraceContext(), RequestLogger(logger.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "req-1")
	w := serve(r, req)
	if w.Header().Get("X-Request-Id") != "req-1" || w.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("unexpected headers %v", w.Header())
	}
}
