// Package ledger owns every write to balances and usage logs.
//
// Commit is the only path that charges an account during request handling:
// it writes the UsageLog row, decrements the balance and pauses the instance
// on overdraft inside one transaction. Credit is the only path that
// un-pauses automatically; manual status changes out of PAUSED are refused
// while the balance is not positive.
//
// Admission checks elsewhere read the balance without holding a lock, so two
// concurrent requests can both pass the floor check and drive the balance
// further negative than one request could. The pause happens after commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound = errors.New("account balance not found")
	ErrDuplicateCredit = errors.New("credit reference already applied")
	ErrInvalidAmount   = errors.New("credit amount must be positive")
)

type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Charge is one billable request.
type Charge struct {
	InstanceID string
	AccountID  string
	Model      string
	Usage      pricing.Usage
	CostCents  int64
}

type CommitResult struct {
	UsageLogID   uint
	BalanceCents int64
	Paused       bool
}

// Commit records usage and charges the account atomically. If the balance
// ends up negative and the instance is still serving, it is paused.
func (l *Ledger) Commit(ctx context.Context, c Charge) (CommitResult, error) {
	var result CommitResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := database.UsageLog{
			InstanceID:          c.InstanceID,
			AccountID:           c.AccountID,
			Model:               c.Model,
			TokensIn:            pricing.EffectiveInputTokens(c.Usage),
			TokensOut:           c.Usage.OutputTokens,
			CacheCreationTokens: c.Usage.CacheCreationTokens,
			CacheReadTokens:     c.Usage.CacheReadTokens,
			CostCents:           c.CostCents,
			CreatedAt:           l.now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert usage log: %w", err)
		}
		result.UsageLogID = row.ID

		res := tx.Model(&database.Balance{}).
			Where("account_id = ?", c.AccountID).
			Update("credits_cents", gorm.Expr("credits_cents - ?", c.CostCents))
		if res.Error != nil {
			return fmt.Errorf("decrement balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		var bal database.Balance
		if err := tx.Where("account_id = ?", c.AccountID).Take(&bal).Error; err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		result.BalanceCents = bal.CreditsCents

		if bal.CreditsCents < 0 {
			res := tx.Model(&database.Instance{}).
				Where("id = ? AND status IN ?", c.InstanceID, []string{database.StatusActive, database.StatusProvisioning}).
				Update("status", database.StatusPaused)
			if res.Error != nil {
				return fmt.Errorf("pause instance: %w", res.Error)
			}
			result.Paused = res.RowsAffected > 0
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

// Credit is an external top-up: a payment webhook or a settled auto top-up.
type Credit struct {
	AccountID      string
	AmountCents    int64
	Reference      string // payment provider event ID, unique
	Source         string
	TopUpRequestID string // optional pending request this settles
}

type CreditResult struct {
	BalanceCents int64
	Resumed      []string // instance IDs moved from PAUSED back to ACTIVE
}

// Credit adds funds. A reference that was already applied returns
// ErrDuplicateCredit and changes nothing. When the balance becomes positive
// every paused instance of the account resumes.
func (l *Ledger) Credit(ctx context.Context, c Credit) (CreditResult, error) {
	if c.AmountCents <= 0 {
		return CreditResult{}, ErrInvalidAmount
	}
	if c.Reference == "" {
		return CreditResult{}, errors.New("credit reference is required")
	}
	if c.Source == "" {
		c.Source = "webhook"
	}

	var result CreditResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&database.CreditLog{}).Where("reference = ?", c.Reference).Count(&existing).Error; err != nil {
			return fmt.Errorf("check reference: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateCredit
		}

		entry := database.CreditLog{
			AccountID:   c.AccountID,
			AmountCents: c.AmountCents,
			Reference:   c.Reference,
			Source:      c.Source,
			CreatedAt:   l.now().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateCredit
			}
			return fmt.Errorf("insert credit log: %w", err)
		}

		res := tx.Model(&database.Balance{}).
			Where("account_id = ?", c.AccountID).
			Update("credits_cents", gorm.Expr("credits_cents + ?", c.AmountCents))
		if res.Error != nil {
			return fmt.Errorf("increment balance: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		var bal database.Balance
		if err := tx.Where("account_id = ?", c.AccountID).Take(&bal).Error; err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		result.BalanceCents = bal.CreditsCents

		if c.TopUpRequestID != "" {
			settled := l.now().UTC()
			if err := tx.Model(&database.TopUpRequest{}).
				Where("id = ? AND account_id = ? AND status = ?", c.TopUpRequestID, c.AccountID, database.TopUpPending).
				Updates(map[string]any{"status": database.TopUpSettled, "settled_at": settled}).Error; err != nil {
				return fmt.Errorf("settle top-up: %w", err)
			}
		}

		if bal.CreditsCents <= 0 {
			return nil
		}
		if err := tx.Model(&database.Instance{}).
			Where("account_id = ? AND status = ?", c.AccountID, database.StatusPaused).
			Pluck("id", &result.Resumed).Error; err != nil {
			return fmt.Errorf("list paused instances: %w", err)
		}
		if len(result.Resumed) == 0 {
			return nil
		}
		return tx.Model(&database.Instance{}).
			Where("id IN ?", result.Resumed).
			Update("status", database.StatusActive).Error
	})
	if err != nil {
		return CreditResult{}, err
	}
	return result, nil
}

// Balance returns the account's current balance row.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*database.Balance, error) {
	b, err := database.GetBalance(l.db.WithContext(ctx), accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	return b, err
}

// StartOfDay is local midnight of now in loc.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// TodaySpend sums cost across all of the account's instances since local
// midnight.
func (l *Ledger) TodaySpend(ctx context.Context, accountID string, now time.Time, loc *time.Location) (int64, error) {
	since := StartOfDay(now, loc).UTC()
	var spent int64
	err := l.db.WithContext(ctx).Model(&database.UsageLog{}).
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Select("COALESCE(SUM(cost_cents), 0)").
		Scan(&spent).Error
	if err != nil {
		return 0, fmt.Errorf("sum today's usage: %w", err)
	}
	return spent, nil
}
