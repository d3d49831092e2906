package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t, func() time.Time { return time.Unix(100, 0) })

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
		UserRoles:       []string{"SuperEmployee"},
	}
	principal, err := service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", principal.UserID)
	}
	if len(principal.Roles) != 1 || principal.Roles[0] != "superemployee" {
		t.Fatalf("unexpected roles %v", principal.Roles)
	}

	principal, err = service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if principal.UserID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", principal.UserID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveRefreshesRoleSnapshot(t *testing.T) {
	now := time.Unix(100, 0)
	service, db := newTestService(t, func() time.Time { return now })

	claims := auth.SessionClaims{UserID: "user-1", UserRoles: []string{"user"}}
	if _, err := service.Resolve(context.Background(), claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	now = time.Unix(200, 0)
	claims.UserRoles = []string{"admin", "user"}
	principal, err := service.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(principal.Roles) != 2 {
		t.Fatalf("expected refreshed roles, got %v", principal.Roles)
	}

	var identity Identity
	if err := db.Where("provider = ? AND subject = ?", defaultProvider, "user-1").First(&identity).Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if identity.RolesSnapshot != "admin,user" || identity.LastSeenAtSeconds != 200 || identity.CreatedAtSeconds != 100 {
		t.Fatalf("unexpected identity row %#v", identity)
	}
}

func TestResolveRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t, nil)

	if _, err := service.Resolve(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
