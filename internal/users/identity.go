package users

import (
	"sort"
	"strings"
)

// Identity maps a provider login onto the canonical formdesk user id.
type Identity struct {
	Provider          string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject           string `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index"`
	Email             string `gorm:"column:user_email;size:320"`
	DisplayName       string `gorm:"column:user_display_name;size:320"`
	RolesSnapshot     string `gorm:"column:user_roles;size:512"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Roles splits the stored role snapshot.
func (i Identity) Roles() []string {
	if i.RolesSnapshot == "" {
		return nil
	}
	return strings.Split(i.RolesSnapshot, ",")
}

func joinRoles(roles []string) string {
	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
