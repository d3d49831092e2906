package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSMiddlewareAllowsAuthorizationHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(nil))
	router.OPTIONS("/forms", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/forms", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}

	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}

	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://forms.example.com"}))
	router.GET("/forms/contact", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	allowed := httptest.NewRequest(http.MethodGet, "/forms/contact", http.NoBody)
	allowed.Header.Set("Origin", "https://forms.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, allowed)
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://forms.example.com" {
		t.Fatalf("expected listed origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}

	denied := httptest.NewRequest(http.MethodGet, "/forms/contact", http.NoBody)
	denied.Header.Set("Origin", "https://evil.example.com")
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, denied)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected unlisted origin to be rejected, got %d", recorder.Code)
	}
}
