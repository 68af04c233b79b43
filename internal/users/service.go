package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidProfile indicates the update did not contain a usable user id.
var ErrInvalidProfile = errors.New("users: invalid profile")

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages editor profiles with a read-through in-process cache.
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
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ProfileUpdate carries the fields a session refresh may change. Empty fields
// leave the stored value untouched.
type ProfileUpdate struct {
	UserID            string
	DisplayName       string
	PreferredLanguage string
}

// Touch records a sign-in, creating the profile on first contact and folding
// in whatever the caller provided. The resolved profile is returned.
func (s *Service) Touch(ctx context.Context, update ProfileUpdate) (Profile, error) {
	userID := normalize(update.UserID)
	if userID == "" {
		return Profile{}, ErrInvalidProfile
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:            userID,
			DisplayName:       normalize(update.DisplayName),
			PreferredLanguage: normalize(update.PreferredLanguage),
			LastSeenAt:        s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{}
		if display := normalize(update.DisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
			profile.DisplayName = display
		}
		if language := normalize(update.PreferredLanguage); language != "" && language != profile.PreferredLanguage {
			updates["preferred_language"] = language
			profile.PreferredLanguage = language
		}
		updates["last_seen_at"] = s.now()
		if err := s.db.WithContext(ctx).Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(updates).
			Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// Get returns the profile for a user, hitting the cache first. An unknown
// user yields an empty profile rather than an error: a missing display name
// or language simply means the caller falls back to its own defaults.
func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidProfile
	}
	if cached, ok := s.cache.Load(userID); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	s.cache.Store(userID, profile)
	return profile, nil
}
