package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// Principal is the caller resolved from a session.
type Principal struct {
	UserID string
	Email  string
	Roles  []string
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedIdentity struct {
	userID string
	roles  string
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the canonical principal for the provided session claims.
// A new identity row is created when the provider+subject pair has not been seen before;
// roles always come from the claims and are snapshotted on the identity row.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Principal, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Principal{}, ErrInvalidIdentity
	}
	roles := claims.Roles()
	principal := Principal{UserID: subject, Email: normalize(claims.UserEmail), Roles: roles}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if entry, ok := cached.(cachedIdentity); ok && entry.roles == joinRoles(roles) {
			principal.UserID = entry.userID
			return principal, nil
		}
	}

	db := s.db.WithContext(ctx)
	nowSeconds := s.now().UTC().Unix()

	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:          provider,
			Subject:           subject,
			UserID:            subject,
			Email:             principal.Email,
			DisplayName:       normalize(claims.UserDisplayName),
			RolesSnapshot:     joinRoles(roles),
			LastSeenAtSeconds: nowSeconds,
			CreatedAtSeconds:  nowSeconds,
		}
		if err := db.Create(&identity).Error; err != nil {
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return Principal{}, fmt.Errorf("users: create identity: %w", err)
			}
			if err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error; err != nil {
				return Principal{}, fmt.Errorf("users: reload identity: %w", err)
			}
		}
	case err != nil:
		return Principal{}, fmt.Errorf("users: load identity: %w", err)
	default:
		updates := map[string]interface{}{
			"last_seen_at_s": nowSeconds,
			"user_roles":     joinRoles(roles),
		}
		if email := principal.Email; email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if updateErr := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; updateErr != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(updateErr),
			)
		}
	}

	s.cache.Store(cacheKey, cachedIdentity{userID: identity.UserID, roles: joinRoles(roles)})
	principal.UserID = identity.UserID
	return principal, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
