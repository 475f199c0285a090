package users

import (
	"strings"
	"time"
)

// Profile captures the display metadata kept for a Push It! subject. Guests
// receive a profile on first sight just like authenticated users, so
// statistics can group by country label either way.
type Profile struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	CountryLabel string    `gorm:"column:country_label;size:64"`
	IsGuest      bool      `gorm:"column:is_guest;not null;default:false"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
