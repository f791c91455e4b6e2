package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
)

// AccountService keeps the user and company projections in step with the
// ledger.
type AccountService struct {
	db *gorm.DB
}

func NewAccountService(db *gorm.DB) *AccountService {
	return &AccountService{db: db}
}

func (s *AccountService) SetUserState(ctx context.Context, userID uuid.UUID, update models.AccountUpdate) error {
	fields := map[string]interface{}{
		"account_type": update.Type,
	}
	if update.IsUnderTrial != nil {
		fields["is_under_trial"] = *update.IsUnderTrial
	}
	if update.TrialStartsFrom != nil {
		fields["trial_starts_from"] = update.TrialStartsFrom.UTC()
	}

	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update user %s: %w", userID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// The account service has not synced this user yet; keep a projection
	// row so the state is not lost.
	user := models.User{ID: userID, AccountType: update.Type, TrialStartsFrom: update.TrialStartsFrom}
	if update.IsUnderTrial != nil {
		user.IsUnderTrial = *update.IsUnderTrial
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return fmt.Errorf("failed to create user %s: %w", userID, err)
	}
	return nil
}

func (s *AccountService) SetCompanySeats(ctx context.Context, companyID uuid.UUID, seats int, seatPrice int64) error {
	result := s.db.WithContext(ctx).Model(&models.Company{}).Where("id = ?", companyID).Updates(map[string]interface{}{
		"account_type":      models.AccountTypePaid,
		"no_of_seat_bought": seats,
		"seat_price":        seatPrice,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update company %s: %w", companyID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	company := models.Company{ID: companyID, AccountType: models.AccountTypePaid, NoOfSeatBought: seats, SeatPrice: seatPrice}
	if err := s.db.WithContext(ctx).Create(&company).Error; err != nil {
		return fmt.Errorf("failed to create company %s: %w", companyID, err)
	}
	return nil
}
