package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActiveChallenge returns the most recently created active challenge.
func (s *Store) ActiveChallenge(ctx context.Context) (Challenge, error) {
	var ch Challenge
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").
		First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Challenge{}, ErrNoActiveChallenge
		}
		return Challenge{}, fmt.Errorf("load active challenge: %w", err)
	}
	return ch, nil
}

// LatestChallenge returns the most recently created challenge regardless of state.
func (s *Store) LatestChallenge(ctx context.Context) (Challenge, error) {
	var ch Challenge
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Challenge{}, ErrChallengeNotFound
		}
		return Challenge{}, fmt.Errorf("load latest challenge: %w", err)
	}
	return ch, nil
}

// CreateChallenge stores ch after rejecting a duplicate title among active challenges.
func (s *Store) CreateChallenge(ctx context.Context, ch Challenge) (Challenge, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Challenge{}).
			Where("title = ? AND is_active = ?", ch.Title, true).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check duplicate challenge: %w", err)
		}
		if count > 0 {
			return ErrChallengeExists
		}
		if ch.ID == uuid.Nil {
			ch.ID = uuid.New()
		}
		if ch.StartDate.IsZero() {
			ch.StartDate = time.Now().UTC()
		}
		ch.Persona.ApplyDefaults()
		if err := tx.Create(&ch).Error; err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}
		return nil
	})
	if err != nil {
		return Challenge{}, err
	}
	return ch, nil
}

// ExtendActiveChallenge pushes the end date of the active challenge out by d.
func (s *Store) ExtendActiveChallenge(ctx context.Context, d time.Duration) (Challenge, error) {
	var out Challenge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ch Challenge
		if err := tx.Where("is_active = ?", true).Order("created_at DESC").First(&ch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoActiveChallenge
			}
			return fmt.Errorf("load active challenge: %w", err)
		}
		ch.EndDate = ch.EndDate.Add(d).UTC()
		if err := tx.Model(&ch).Update("end_date", ch.EndDate).Error; err != nil {
			return fmt.Errorf("extend challenge: %w", err)
		}
		out = ch
		return nil
	})
	if err != nil {
		return Challenge{}, err
	}
	return out, nil
}

// ExtensionDue reports whether an end date falls inside the closing window, that is
// strictly in the future and no more than window away from now.
func ExtensionDue(end, now time.Time, window time.Duration) bool {
	remaining := end.Sub(now)
	return remaining > 0 && remaining <= window
}
