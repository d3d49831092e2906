package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "formdesk_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

var testClockNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(issuer string, roles ...string) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name error, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(DefaultSessionIssuer, " Admin ", "admin", "user")))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	roles := claims.Roles()
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "user" {
		t.Fatalf("unexpected normalized roles %v", roles)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	validator := newTestValidator(t)

	_, err := validator.ValidateToken(signTestToken(t, validClaims("someone-else")))
	if !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims(DefaultSessionIssuer)
	claims.IssuedAt = jwt.NewNumericDate(testClockNow.Add(-2 * time.Hour))
	claims.NotBefore = nil
	claims.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))

	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t)

	request := httptest.NewRequest(http.MethodGet, "/forms", http.NoBody)
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signTestToken(t, validClaims(DefaultSessionIssuer)),
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestPrefersBearerHeader(t *testing.T) {
	validator := newTestValidator(t)

	request := httptest.NewRequest(http.MethodGet, "/forms", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signTestToken(t, validClaims(DefaultSessionIssuer, "superemployee")))
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: "garbage"})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if roles := claims.Roles(); len(roles) != 1 || roles[0] != "superemployee" {
		t.Fatalf("unexpected roles %v", roles)
	}

	malformed := httptest.NewRequest(http.MethodGet, "/forms", http.NoBody)
	malformed.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(malformed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for non-bearer header, got %v", err)
	}

	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/forms", http.NoBody)); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
