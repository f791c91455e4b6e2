// Package ledger is the canonical subscription store. Every mutation runs in
// one database transaction whose first write is the transaction-history
// insert, so a redelivered provider transaction is detected atomically.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
)

// ErrNotFound is returned by lookups when the account has no live subscription.
var ErrNotFound = errors.New("ledger: record not found")

// Outcome reports what a mutation did.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Unmatched Outcome = "unmatched"
	// Conflict means the lineage is already owned by another account; nothing
	// was written.
	Conflict  Outcome = "conflict"
)

// Result is the outcome of one mutation and the rows it touched.
type Result struct {
	Outcome      Outcome
	Subscription *models.Subscription
	Pool         *models.CompanySubscription
	// Cancelled counts prior active rows soft-deleted by a new lineage.
	Cancelled int64
}

// Entry describes the history row a mutation appends.
type Entry struct {
	TransactionID string
	Provider      string
	Kind          string
	Payload       any
}

// Ledger mutates subscriptions, seat pools and their history.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a ledger backed by db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// NewSubscription is a purchase to record for an account.
type NewSubscription struct {
	AccountID             uuid.UUID
	OriginalTransactionID string
	ProductID             string
	ExpiresAt             time.Time
	AutoRenew             bool
	IsTrial               bool
	Device                models.Device
	PriceID               string
	Entry                 Entry
}

// Subscribe records a purchase. A live row for the same lineage is moved
// forward in place; otherwise every other live row of the account is
// soft-deleted and a new row inserted, all in one transaction. A lineage
// stays with the first account that recorded it.
func (l *Ledger) Subscribe(ctx context.Context, in NewSubscription) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, in.OriginalTransactionID)
		if err != nil {
			return err
		}
		owner, err := lineageOwner(tx, current, in.OriginalTransactionID)
		if err != nil {
			return err
		}
		if owner != uuid.Nil && owner != in.AccountID {
			res = Result{Outcome: Conflict}
			return nil
		}

		inserted, err := appendHistory(tx, in.AccountID, in.OriginalTransactionID, in.ProductID, &in.ExpiresAt, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		if current != nil {
			current.ProductID = in.ProductID
			current.AutoRenew = in.AutoRenew
			current.IsTrial = in.IsTrial
			if in.ExpiresAt.After(current.ExpiresAt) {
				current.ExpiresAt = in.ExpiresAt.UTC()
			}
			if err := tx.Model(current).
				Select("product_id", "auto_renew", "is_trial", "expires_at").
				Updates(current).Error; err != nil {
				return fmt.Errorf("update subscription: %w", err)
			}
			res = Result{Outcome: Applied, Subscription: current}
			return nil
		}

		cancelled := tx.Where("account_id = ?", in.AccountID).Delete(&models.Subscription{})
		if cancelled.Error != nil {
			return fmt.Errorf("cancel prior subscriptions: %w", cancelled.Error)
		}

		sub := &models.Subscription{
			AccountID:             in.AccountID,
			OriginalTransactionID: in.OriginalTransactionID,
			ProductID:             in.ProductID,
			ExpiresAt:             in.ExpiresAt.UTC(),
			AutoRenew:             in.AutoRenew,
			IsTrial:               in.IsTrial,
			PurchasedFromDevice:   in.Device,
		}
		if in.PriceID != "" {
			priceID := in.PriceID
			sub.PriceID = &priceID
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		res = Result{Outcome: Applied, Subscription: sub, Cancelled: cancelled.RowsAffected}
		return nil
	})
	return res, err
}

// Renewal extends an existing lineage.
type Renewal struct {
	OriginalTransactionID string
	ProductID             string
	ExpiresAt             time.Time
	Entry                 Entry
}

// Renew extends a live lineage. Expiry only moves forward so a late,
// out-of-order renewal cannot shorten the entitlement.
func (l *Ledger) Renew(ctx context.Context, in Renewal) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, in.OriginalTransactionID)
		if err != nil {
			return err
		}
		if current == nil {
			res = Result{Outcome: Unmatched}
			return nil
		}

		inserted, err := appendHistory(tx, current.AccountID, in.OriginalTransactionID, in.ProductID, &in.ExpiresAt, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		if in.ProductID != "" {
			current.ProductID = in.ProductID
		}
		if in.ExpiresAt.After(current.ExpiresAt) {
			current.ExpiresAt = in.ExpiresAt.UTC()
		}
		if err := tx.Model(current).Select("product_id", "expires_at").Updates(current).Error; err != nil {
			return fmt.Errorf("renew subscription: %w", err)
		}
		res = Result{Outcome: Applied, Subscription: current}
		return nil
	})
	return res, err
}

// SetAutoRenew flips only the auto-renew flag of a live lineage.
func (l *Ledger) SetAutoRenew(ctx context.Context, originalTransactionID string, autoRenew bool) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, originalTransactionID)
		if err != nil {
			return err
		}
		if current == nil {
			res = Result{Outcome: Unmatched}
			return nil
		}
		if current.AutoRenew == autoRenew {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		current.AutoRenew = autoRenew
		if err := tx.Model(current).Select("auto_renew").Updates(current).Error; err != nil {
			return fmt.Errorf("set auto renew: %w", err)
		}
		res = Result{Outcome: Applied, Subscription: current}
		return nil
	})
	return res, err
}

// Expire marks a live lineage as no longer renewing. The row is kept so a
// resubscription on the same lineage can bring it back.
func (l *Ledger) Expire(ctx context.Context, originalTransactionID string) (Result, error) {
	return l.SetAutoRenew(ctx, originalTransactionID, false)
}

// OfferRedemption is a promotional offer the storefront confirmed.
type OfferRedemption struct {
	OriginalTransactionID string
	ProductID             string
	OfferID               string
	ExpiresAt             time.Time
	Entry                 Entry
}

// RedeemOffer records a storefront-confirmed redemption. It is the only
// writer of OfferRedeemedHistory.
func (l *Ledger) RedeemOffer(ctx context.Context, in OfferRedemption) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, in.OriginalTransactionID)
		if err != nil {
			return err
		}
		if current == nil {
			res = Result{Outcome: Unmatched}
			return nil
		}

		var redeemed int64
		if err := tx.Model(&models.OfferRedeemedHistory{}).
			Where("account_id = ? AND offer_type = ?", current.AccountID, in.OfferID).
			Count(&redeemed).Error; err != nil {
			return fmt.Errorf("check offer redemption: %w", err)
		}
		if redeemed > 0 {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		inserted, err := appendHistory(tx, current.AccountID, in.OriginalTransactionID, in.ProductID, &in.ExpiresAt, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		redemption := &models.OfferRedeemedHistory{
			AccountID:     current.AccountID,
			OfferType:     in.OfferID,
			TransactionID: in.Entry.TransactionID,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(redemption).Error; err != nil {
			return fmt.Errorf("record offer redemption: %w", err)
		}

		if in.ProductID != "" {
			current.ProductID = in.ProductID
		}
		if in.ExpiresAt.After(current.ExpiresAt) {
			current.ExpiresAt = in.ExpiresAt.UTC()
		}
		if err := tx.Model(current).Select("product_id", "expires_at").Updates(current).Error; err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		res = Result{Outcome: Applied, Subscription: current}
		return nil
	})
	return res, err
}

// Revocation ends a lineage (refund, revocation, processor-side deletion).
type Revocation struct {
	OriginalTransactionID string
	Entry                 Entry
}

// Revoke appends the revocation to history and soft-deletes the live row.
// A revocation already in history is a duplicate even if the lineage was
// bought again since; revoking a lineage with no live row is a duplicate
// when it was revoked before and unmatched otherwise.
func (l *Ledger) Revoke(ctx context.Context, in Revocation) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, in.OriginalTransactionID)
		if err != nil {
			return err
		}
		if current == nil {
			revoked, err := lastRevoked(tx, in.OriginalTransactionID)
			if err != nil {
				return err
			}
			if revoked == nil {
				res = Result{Outcome: Unmatched}
				return nil
			}
			res = Result{Outcome: Duplicate, Subscription: revoked}
			return nil
		}

		inserted, err := appendHistory(tx, current.AccountID, in.OriginalTransactionID, current.ProductID, nil, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate, Subscription: current}
			return nil
		}

		if err := tx.Delete(current).Error; err != nil {
			return fmt.Errorf("revoke subscription: %w", err)
		}
		res = Result{Outcome: Applied, Subscription: current}
		return nil
	})
	return res, err
}

// SeatPurchase is a company seat purchase to stack onto its pool.
type SeatPurchase struct {
	CompanyID      uuid.UUID
	SubscriptionID string
	ProductID      string
	PriceID        string
	Seats          int
	SeatPrice      int64
	TermDays       int
	Entry          Entry
}

// ExtendSeatPool stacks a seat purchase onto the company's contract: the new
// expiry is now + whatever remains of the running window + the new term.
func (l *Ledger) ExtendSeatPool(ctx context.Context, in SeatPurchase) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UTC()
		term := time.Duration(in.TermDays) * 24 * time.Hour

		var pool models.CompanySubscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("company_id = ?", in.CompanyID).
			First(&pool).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find seat pool: %w", err)
		}

		inserted, err := appendHistory(tx, in.CompanyID, in.SubscriptionID, in.ProductID, nil, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate}
			if found {
				res.Pool = &pool
			}
			return nil
		}

		if !found {
			pool = models.CompanySubscription{
				CompanyID:         in.CompanyID,
				ContractStartDate: now,
			}
		}

		remaining := pool.ExpiresDate.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		expires := now.Add(remaining).Add(term)

		pool.StripeSubscriptionID = in.SubscriptionID
		pool.PriceID = in.PriceID
		pool.NoOfSeatBought += in.Seats
		pool.SeatPrice = in.SeatPrice
		pool.ContractEndDate = expires
		pool.ExpiresDate = expires

		if err := tx.Save(&pool).Error; err != nil {
			return fmt.Errorf("save seat pool: %w", err)
		}
		res = Result{Outcome: Applied, Pool: &pool}
		return nil
	})
	return res, err
}

// InvoicePayment is a paid processor invoice.
type InvoicePayment struct {
	SubscriptionID string
	PeriodEnd      time.Time
	Entry          Entry
}

// ApplyInvoice extends whichever entitlement the processor subscription id
// belongs to: an individual lineage first, then a company seat pool.
func (l *Ledger) ApplyInvoice(ctx context.Context, in InvoicePayment) (Result, error) {
	var res Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockLineage(tx, in.SubscriptionID)
		if err != nil {
			return err
		}
		if current != nil {
			inserted, err := appendHistory(tx, current.AccountID, in.SubscriptionID, current.ProductID, &in.PeriodEnd, in.Entry)
			if err != nil {
				return err
			}
			if !inserted {
				res = Result{Outcome: Duplicate, Subscription: current}
				return nil
			}
			if in.PeriodEnd.After(current.ExpiresAt) {
				current.ExpiresAt = in.PeriodEnd.UTC()
				if err := tx.Model(current).Select("expires_at").Updates(current).Error; err != nil {
					return fmt.Errorf("extend subscription: %w", err)
				}
			}
			res = Result{Outcome: Applied, Subscription: current}
			return nil
		}

		var pool models.CompanySubscription
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stripe_subscription_id = ?", in.SubscriptionID).
			First(&pool).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res = Result{Outcome: Unmatched}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find seat pool: %w", err)
		}

		inserted, err := appendHistory(tx, pool.CompanyID, in.SubscriptionID, "", &in.PeriodEnd, in.Entry)
		if err != nil {
			return err
		}
		if !inserted {
			res = Result{Outcome: Duplicate, Pool: &pool}
			return nil
		}
		if in.PeriodEnd.After(pool.ExpiresDate) {
			pool.ExpiresDate = in.PeriodEnd.UTC()
			pool.ContractEndDate = pool.ExpiresDate
			if err := tx.Model(&pool).Select("expires_date", "contract_end_date").Updates(&pool).Error; err != nil {
				return fmt.Errorf("extend seat pool: %w", err)
			}
		}
		res = Result{Outcome: Applied, Pool: &pool}
		return nil
	})
	return res, err
}

// HasRedeemedOffer reports whether the account already redeemed offerID.
func (l *Ledger) HasRedeemedOffer(ctx context.Context, accountID uuid.UUID, offerID string) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.OfferRedeemedHistory{}).
		Where("account_id = ? AND offer_type = ?", accountID, offerID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check offer redemption: %w", err)
	}
	return count > 0, nil
}

// ActiveSubscription returns the account's live row or ErrNotFound.
func (l *Ledger) ActiveSubscription(ctx context.Context, accountID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// lockLineage returns the live row of a lineage, locked for the rest of the
// transaction, or nil when there is none.
func lockLineage(tx *gorm.DB, originalTransactionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("original_transaction_id = ?", originalTransactionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return &sub, nil
}

// lineageOwner returns the account a lineage was first recorded for, looking
// past revoked rows, or uuid.Nil for an unseen lineage.
func lineageOwner(tx *gorm.DB, current *models.Subscription, originalTransactionID string) (uuid.UUID, error) {
	if current != nil {
		return current.AccountID, nil
	}
	revoked, err := lastRevoked(tx, originalTransactionID)
	if err != nil || revoked == nil {
		return uuid.Nil, err
	}
	return revoked.AccountID, nil
}

func lastRevoked(tx *gorm.DB, originalTransactionID string) (*models.Subscription, error) {
	var revoked models.Subscription
	err := tx.Unscoped().
		Where("original_transaction_id = ? AND deleted_at IS NOT NULL", originalTransactionID).
		Order("deleted_at DESC").
		First(&revoked).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find revoked subscription: %w", err)
	}
	return &revoked, nil
}

// appendHistory inserts the history row unless its transaction id was
// already recorded, and reports whether it did.
func appendHistory(tx *gorm.DB, accountID uuid.UUID, originalTransactionID, productID string, expiresAt *time.Time, e Entry) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode history payload: %w", err)
	}

	row := &models.TransactionHistory{
		AccountID:             accountID,
		OriginalTransactionID: originalTransactionID,
		TransactionID:         e.TransactionID,
		Provider:              e.Provider,
		Kind:                  e.Kind,
		ProductID:             productID,
		Payload:               datatypes.JSON(payload),
	}
	if expiresAt != nil && !expiresAt.IsZero() {
		t := expiresAt.UTC()
		row.ExpiresAt = &t
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_id"}},
		DoNothing: true,
	}).Create(row)
	if result.Error != nil {
		return false, fmt.Errorf("append transaction history: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
