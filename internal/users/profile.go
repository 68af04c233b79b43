package users

import (
	"strings"
	"time"
)

// Profile captures what the service knows about an editor: the name shown on
// their branches and the language their documents are displayed in.
type Profile struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName       string    `gorm:"column:display_name;size:320"`
	PreferredLanguage string    `gorm:"column:preferred_language;size:35"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing editor profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
