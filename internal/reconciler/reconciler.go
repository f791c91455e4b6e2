// Package reconciler applies provider-independent facts to the ledger and
// keeps the account projection and CRM profile in step.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/facts"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/ledger"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
)

// Ignored is the outcome of facts that need no ledger change.
const Ignored ledger.Outcome = "ignored"

// AccountStore owns user and company records.
type AccountStore interface {
	SetUserState(ctx context.Context, userID uuid.UUID, update models.AccountUpdate) error
	SetCompanySeats(ctx context.Context, companyID uuid.UUID, seats int, seatPrice int64) error
}

// ProfileSink receives fire-and-forget CRM profile updates.
type ProfileSink interface {
	Upsert(ctx context.Context, accountID uuid.UUID, attrs map[string]any)
}

// Result reports what Reconcile did with one fact.
type Result struct {
	Kind      facts.Kind
	Outcome   ledger.Outcome
	AccountID uuid.UUID
}

// Reconciler turns facts into ledger mutations and their side effects.
type Reconciler struct {
	ledger   *ledger.Ledger
	accounts AccountStore
	profiles ProfileSink
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics counts reconciled facts and failed side effects.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithSideEffectTimeout bounds each account store call.
func WithSideEffectTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithClock replaces the time source; used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New returns a reconciler. profiles may be nil.
func New(l *ledger.Ledger, accounts AccountStore, profiles ProfileSink, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   l,
		accounts: accounts,
		profiles: profiles,
		timeout:  5 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies one fact. Duplicate and unmatched facts are results,
// not errors; an error means storage failed and the delivery should be
// retried.
func (r *Reconciler) Reconcile(ctx context.Context, fact facts.Fact) (Result, error) {
	res, err := r.apply(ctx, fact)
	res.Kind = fact.Kind()
	if err != nil {
		slog.Error("reconcile failed", "provider", fact.Source(), "action", fact.Kind(), "error", err)
		return res, err
	}

	if r.metrics != nil {
		r.metrics.Reconciled.WithLabelValues(string(fact.Source()), string(fact.Kind()), string(res.Outcome)).Inc()
	}
	switch res.Outcome {
	case ledger.Unmatched:
		slog.Info("fact matched no ledger row", "provider", fact.Source(), "action", fact.Kind())
	case ledger.Duplicate:
		slog.Info("duplicate delivery", "provider", fact.Source(), "action", fact.Kind(), "account_id", res.AccountID)
	case ledger.Conflict:
		slog.Warn("lineage belongs to another account", "provider", fact.Source(), "action", fact.Kind(), "account_id", res.AccountID)
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, fact facts.Fact) (Result, error) {
	switch f := fact.(type) {
	case facts.Subscribed:
		return r.subscribed(ctx, f)
	case facts.Renewed:
		return r.renewed(ctx, f)
	case facts.RenewalPrefChanged:
		res, err := r.ledger.SetAutoRenew(ctx, f.OriginalTransactionID, f.AutoRenew)
		return result(res), err
	case facts.OfferRedeemed:
		return r.offerRedeemed(ctx, f)
	case facts.Expired:
		return r.expired(ctx, f)
	case facts.Cancelled:
		res, err := r.ledger.SetAutoRenew(ctx, f.OriginalTransactionID, false)
		return result(res), err
	case facts.Revoked:
		return r.revoked(ctx, f)
	case facts.CheckoutCompleted:
		return r.checkout(ctx, f)
	case facts.SeatsPurchased:
		return r.seats(ctx, f)
	case facts.InvoicePaid:
		res, err := r.ledger.ApplyInvoice(ctx, ledger.InvoicePayment{
			SubscriptionID: f.SubscriptionID,
			PeriodEnd:      f.PeriodEnd,
			Entry:          entry(f, f.InvoiceID),
		})
		return result(res), err
	case facts.Ignored:
		return Result{Outcome: Ignored}, nil
	default:
		return Result{}, errors.New("reconciler: unknown fact type")
	}
}

func (r *Reconciler) subscribed(ctx context.Context, f facts.Subscribed) (Result, error) {
	if f.AccountID == uuid.Nil {
		slog.Warn("purchase without account id", "provider", f.Provider, "original_transaction_id", f.OriginalTransactionID)
		return Result{Outcome: ledger.Unmatched}, nil
	}

	res, err := r.ledger.Subscribe(ctx, ledger.NewSubscription{
		AccountID:             f.AccountID,
		OriginalTransactionID: f.OriginalTransactionID,
		ProductID:             f.ProductID,
		ExpiresAt:             f.ExpiresAt,
		AutoRenew:             f.AutoRenew,
		IsTrial:               f.IsTrial,
		Device:                f.Provider.Device(),
		PriceID:               f.PriceID,
		Entry:                 entry(f, f.TransactionID),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == ledger.Conflict {
		return Result{Outcome: ledger.Conflict, AccountID: f.AccountID}, nil
	}

	if res.Outcome == ledger.Duplicate && (res.Subscription == nil || f.IsTrial) {
		// Replaying a trial start could undo a later conversion to paid.
		return result(res), nil
	}

	update := models.AccountUpdate{Type: models.AccountTypePaid, IsUnderTrial: boolPtr(false)}
	if f.IsTrial {
		started := f.PurchasedAt
		if started.IsZero() {
			started = r.now().UTC()
		}
		update = models.AccountUpdate{Type: models.AccountTypeUnderTrial, IsUnderTrial: boolPtr(true), TrialStartsFrom: &started}
	}
	r.setUserState(ctx, f, res.Subscription.AccountID, update)
	r.upsertProfile(ctx, f, res)
	return result(res), nil
}

func (r *Reconciler) renewed(ctx context.Context, f facts.Renewed) (Result, error) {
	res, err := r.ledger.Renew(ctx, ledger.Renewal{
		OriginalTransactionID: f.OriginalTransactionID,
		ProductID:             f.ProductID,
		ExpiresAt:             f.ExpiresAt,
		Entry:                 entry(f, f.TransactionID),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Subscription != nil {
		r.setUserState(ctx, f, res.Subscription.AccountID, models.AccountUpdate{Type: models.AccountTypePaid, IsUnderTrial: boolPtr(false)})
		r.upsertProfile(ctx, f, res)
	}
	return result(res), nil
}

func (r *Reconciler) offerRedeemed(ctx context.Context, f facts.OfferRedeemed) (Result, error) {
	res, err := r.ledger.RedeemOffer(ctx, ledger.OfferRedemption{
		OriginalTransactionID: f.OriginalTransactionID,
		ProductID:             f.ProductID,
		OfferID:               f.OfferID,
		ExpiresAt:             f.ExpiresAt,
		Entry:                 entry(f, f.TransactionID),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Subscription != nil {
		r.setUserState(ctx, f, res.Subscription.AccountID, models.AccountUpdate{Type: models.AccountTypePaid})
		r.upsertProfile(ctx, f, res)
	}
	return result(res), nil
}

func (r *Reconciler) expired(ctx context.Context, f facts.Expired) (Result, error) {
	res, err := r.ledger.Expire(ctx, f.OriginalTransactionID)
	if err != nil {
		return Result{}, err
	}
	// A late expiry for a lineage that has since been extended only stops
	// renewal; the account keeps its access.
	if res.Subscription != nil && !res.Subscription.ExpiresAt.After(r.now()) {
		r.setUserState(ctx, f, res.Subscription.AccountID, models.AccountUpdate{Type: models.AccountTypeExpired, IsUnderTrial: boolPtr(false)})
		r.upsertProfile(ctx, f, res)
	}
	return result(res), nil
}

func (r *Reconciler) revoked(ctx context.Context, f facts.Revoked) (Result, error) {
	res, err := r.ledger.Revoke(ctx, ledger.Revocation{
		OriginalTransactionID: f.OriginalTransactionID,
		Entry:                 entry(f, revocationID(f)),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Subscription == nil {
		return result(res), nil
	}

	// A redelivered revocation must not downgrade an account that has
	// since bought a different subscription.
	account := res.Subscription.AccountID
	if _, err := r.ledger.ActiveSubscription(ctx, account); err == nil {
		return result(res), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, err
	}
	r.setUserState(ctx, f, account, models.AccountUpdate{Type: models.AccountTypeExpired, IsUnderTrial: boolPtr(false)})
	r.upsertProfile(ctx, f, res)
	return result(res), nil
}

func (r *Reconciler) checkout(ctx context.Context, f facts.CheckoutCompleted) (Result, error) {
	res, err := r.ledger.Subscribe(ctx, ledger.NewSubscription{
		AccountID:             f.AccountID,
		OriginalTransactionID: f.SubscriptionID,
		ProductID:             f.ProductID,
		ExpiresAt:             f.ExpiresAt,
		AutoRenew:             true,
		Device:                models.DeviceWeb,
		PriceID:               f.PriceID,
		Entry:                 entry(f, f.SessionID),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == ledger.Conflict {
		return Result{Outcome: ledger.Conflict, AccountID: f.AccountID}, nil
	}
	if res.Subscription != nil {
		r.setUserState(ctx, f, res.Subscription.AccountID, models.AccountUpdate{Type: models.AccountTypePaid, IsUnderTrial: boolPtr(false)})
		r.upsertProfile(ctx, f, res)
	}
	return result(res), nil
}

func (r *Reconciler) seats(ctx context.Context, f facts.SeatsPurchased) (Result, error) {
	res, err := r.ledger.ExtendSeatPool(ctx, ledger.SeatPurchase{
		CompanyID:      f.CompanyID,
		SubscriptionID: f.SubscriptionID,
		ProductID:      f.ProductID,
		PriceID:        f.PriceID,
		Seats:          f.Seats,
		SeatPrice:      f.SeatPrice,
		TermDays:       f.TermDays,
		Entry:          entry(f, f.SessionID),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Pool != nil {
		sctx, cancel := r.sideEffectContext(ctx)
		defer cancel()
		if err := r.accounts.SetCompanySeats(sctx, f.CompanyID, res.Pool.NoOfSeatBought, res.Pool.SeatPrice); err != nil {
			r.sideEffectFailed(f, f.CompanyID, "account_store", err)
		}
	}
	out := result(res)
	out.AccountID = f.CompanyID
	return out, nil
}

// setUserState is best effort: a failure is logged and never undoes the
// ledger mutation.
func (r *Reconciler) setUserState(ctx context.Context, f facts.Fact, account uuid.UUID, update models.AccountUpdate) {
	sctx, cancel := r.sideEffectContext(ctx)
	defer cancel()
	if err := r.accounts.SetUserState(sctx, account, update); err != nil {
		r.sideEffectFailed(f, account, "account_store", err)
	}
}

func (r *Reconciler) upsertProfile(ctx context.Context, f facts.Fact, res ledger.Result) {
	if r.profiles == nil || res.Outcome != ledger.Applied || res.Subscription == nil {
		return
	}
	sub := res.Subscription
	r.profiles.Upsert(context.WithoutCancel(ctx), sub.AccountID, map[string]any{
		"subscription_product":    sub.ProductID,
		"subscription_expires_at": sub.ExpiresAt.Format(time.RFC3339),
		"subscription_active":     f.Kind() != facts.KindRevoked && sub.ExpiresAt.After(r.now()),
		"subscription_source":     string(sub.PurchasedFromDevice),
		"last_event":              string(f.Kind()),
	})
}

func (r *Reconciler) sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

func (r *Reconciler) sideEffectFailed(f facts.Fact, account uuid.UUID, target string, err error) {
	slog.Error("side effect failed", "provider", f.Source(), "action", f.Kind(), "account_id", account, "target", target, "error", err)
	if r.metrics != nil {
		r.metrics.SideEffects.WithLabelValues(target).Inc()
	}
}

func result(res ledger.Result) Result {
	out := Result{Outcome: res.Outcome}
	switch {
	case res.Subscription != nil:
		out.AccountID = res.Subscription.AccountID
	case res.Pool != nil:
		out.AccountID = res.Pool.CompanyID
	}
	return out
}

func entry(f facts.Fact, transactionID string) ledger.Entry {
	return ledger.Entry{
		TransactionID: transactionID,
		Provider:      string(f.Source()),
		Kind:          string(f.Kind()),
		Payload:       f,
	}
}

// revocationID keys the history row of a revocation. Refunds carry the
// refunded purchase's transaction id, which history already holds, and Play
// revocations carry none.
func revocationID(f facts.Revoked) string {
	if f.TransactionID != "" {
		return "revoked:" + f.TransactionID
	}
	return "revoked:" + f.OriginalTransactionID
}

func boolPtr(b bool) *bool { return &b }
