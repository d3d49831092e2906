package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/formdesk/internal/blobstore"
	"github.com/MarcoPoloResearchLab/formdesk/internal/database"
	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/MarcoPoloResearchLab/formdesk/internal/metrics"
	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/MarcoPoloResearchLab/formdesk/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "formdesk_session"
	// httptest.NewRequest uses this peer address.
	testProxyAddress = "192.0.2.1"
)

var testNow = time.Unix(1700000000, 0).UTC()

type routerHarness struct {
	handler  http.Handler
	db       *gorm.DB
	realtime *RealtimeDispatcher
	metrics  *metrics.Collectors
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano()),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	blobs, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	clock := func() time.Time { return testNow }
	realtime := NewRealtimeDispatcher()
	collectors := metrics.New()

	formsService, err := forms.NewService(forms.ServiceConfig{
		Database:   db,
		Blobs:      blobs,
		Clock:      clock,
		IDProvider: forms.NewUUIDProvider(),
		Events:     realtime,
		Metrics:    collectors,
	})
	if err != nil {
		t.Fatalf("failed to construct forms service: %v", err)
	}
	salesService, err := sales.NewService(sales.ServiceConfig{Database: db, IDProvider: forms.NewUUIDProvider(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct sales service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          sessions,
		Users:             userService,
		Forms:             formsService,
		Sales:             salesService,
		Realtime:          realtime,
		Metrics:           collectors,
		HealthCheck:       func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
		TrustedProxies:    []string{testProxyAddress},
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerHarness{handler: handler, db: db, realtime: realtime, metrics: collectors}
}

func signSession(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserID:    userID,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return token
}

func (h *routerHarness) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func contactSchemaBody(slug string) map[string]any {
	return map[string]any{
		"slug":  slug,
		"title": "Contact",
		"fields": []map[string]any{
			{"id": "name", "type": "text", "label": "Name", "required": true, "order": 0},
			{"id": "city", "type": "text", "label": "City", "order": 1},
			{"id": "resume", "type": "file", "label": "Resume", "order": 2},
		},
	}
}

func multipartSubmission(t *testing.T, data string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("data", data); err != nil {
		t.Fatalf("failed to write data field: %v", err)
	}
	for key, content := range files {
		part, err := writer.CreateFormFile(key, key+".txt")
		if err != nil {
			t.Fatalf("failed to create file part: %v", err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}
