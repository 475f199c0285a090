package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidSubject indicates an empty user identifier.
var ErrInvalidSubject = errors.New("users: invalid subject")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages profile rows keyed by token subject.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// EnsureProfile creates the profile for a subject on first sight and
// refreshes display metadata on later sightings. Returns the stored profile.
func (s *Service) EnsureProfile(subject, displayName, countryLabel string, guest bool) (Profile, error) {
	subject = normalize(subject)
	if subject == "" {
		return Profile{}, ErrInvalidSubject
	}

	var profile Profile
	err := s.db.Where("user_id = ?", subject).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:       subject,
			DisplayName:  normalize(displayName),
			CountryLabel: normalize(countryLabel),
			IsGuest:      guest,
			LastSeenAt:   s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		s.cache.Store(subject, profile.UserID)
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if name := normalize(displayName); name != "" && name != profile.DisplayName {
		updates["display_name"] = name
		profile.DisplayName = name
	}
	if country := normalize(countryLabel); country != "" && country != profile.CountryLabel {
		updates["country_label"] = country
		profile.CountryLabel = country
	}
	_ = s.db.Model(&Profile{}).
		Where("user_id = ?", subject).
		Updates(updates).
		Error

	s.cache.Store(subject, profile.UserID)
	return profile, nil
}

// Known reports whether a subject has been seen before, consulting the
// in-process cache first.
func (s *Service) Known(subject string) (bool, error) {
	subject = normalize(subject)
	if subject == "" {
		return false, ErrInvalidSubject
	}
	if _, ok := s.cache.Load(subject); ok {
		return true, nil
	}
	var count int64
	if err := s.db.Model(&Profile{}).Where("user_id = ?", subject).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		s.cache.Store(subject, subject)
	}
	return count > 0, nil
}
