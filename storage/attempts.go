package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReadOrInitAttempts returns the attempt ledger, creating it from the configured
// defaults on first use. Concurrent first readers converge on a single row.
func (s *Store) ReadOrInitAttempts(ctx context.Context) (AttemptLedger, error) {
	db := s.db.WithContext(ctx)
	seed := AttemptLedger{
		ID:                  attemptLedgerID,
		CostPerAttempt:      s.defaults.CostPerAttempt,
		TokenCostPerAttempt: s.defaults.TokenCostPerAttempt,
		ContractAddress:     s.defaults.ContractAddress,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return AttemptLedger{}, fmt.Errorf("init attempt ledger: %w", err)
	}
	var ledger AttemptLedger
	if err := db.First(&ledger, attemptLedgerID).Error; err != nil {
		return AttemptLedger{}, fmt.Errorf("load attempt ledger: %w", err)
	}
	return ledger, nil
}

// IncrementAttempts adds one to totalAttempts as a single UPDATE and returns the
// ledger as read afterwards. Pricing is not touched.
func (s *Store) IncrementAttempts(ctx context.Context) (AttemptLedger, error) {
	if _, err := s.ReadOrInitAttempts(ctx); err != nil {
		return AttemptLedger{}, err
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&AttemptLedger{}).
		Where("id = ?", attemptLedgerID).
		UpdateColumns(map[string]any{
			"total_attempts": gorm.Expr("total_attempts + ?", 1),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return AttemptLedger{}, fmt.Errorf("increment attempts: %w", res.Error)
	}
	var ledger AttemptLedger
	if err := db.First(&ledger, attemptLedgerID).Error; err != nil {
		return AttemptLedger{}, fmt.Errorf("load attempt ledger: %w", err)
	}
	return ledger, nil
}

// UpdatePricing changes the live prices and token contract address.
func (s *Store) UpdatePricing(ctx context.Context, update PricingUpdate) (AttemptLedger, error) {
	if _, err := s.ReadOrInitAttempts(ctx); err != nil {
		return AttemptLedger{}, err
	}
	changes := map[string]any{"updated_at": time.Now().UTC()}
	if update.CostPerAttempt != nil {
		changes["cost_per_attempt"] = *update.CostPerAttempt
	}
	if update.TokenCostPerAttempt != nil {
		changes["token_cost_per_attempt"] = *update.TokenCostPerAttempt
	}
	if update.ContractAddress != nil {
		changes["contract_address"] = *update.ContractAddress
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(&AttemptLedger{}).Where("id = ?", attemptLedgerID).UpdateColumns(changes).Error; err != nil {
		return AttemptLedger{}, fmt.Errorf("update pricing: %w", err)
	}
	var ledger AttemptLedger
	if err := db.First(&ledger, attemptLedgerID).Error; err != nil {
		return AttemptLedger{}, fmt.Errorf("load attempt ledger: %w", err)
	}
	return ledger, nil
}
