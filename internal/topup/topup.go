// Package topup queues automatic top-ups for accounts whose balance dropped
// below their configured threshold. Charging the card happens elsewhere; the
// payment worker settles a request by posting a credit that names it.
package topup

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/metering-proxy/internal/database"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Scanner struct {
	db  *gorm.DB
	now func() time.Time
}

func NewScanner(db *gorm.DB) *Scanner {
	return &Scanner{db: db, now: time.Now}
}

// Scan creates one pending request per eligible account. Accounts that
// already have a pending request are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]database.TopUpRequest, error) {
	pending := s.db.Model(&database.TopUpRequest{}).
		Select("account_id").
		Where("status = ?", database.TopUpPending)

	var due []database.Balance
	err := s.db.WithContext(ctx).
		Where("auto_topup_enabled = ? AND auto_topup_amount_cents > 0", true).
		Where("credits_cents < auto_topup_threshold_cents").
		Where("account_id NOT IN (?)", pending).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("find due balances: %w", err)
	}

	created := make([]database.TopUpRequest, 0, len(due))
	for _, bal := range due {
		req := database.TopUpRequest{
			ID:          uuid.NewString(),
			AccountID:   bal.AccountID,
			AmountCents: bal.AutoTopupAmountCents,
			Status:      database.TopUpPending,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
			log.WithError(err).WithField("account", bal.AccountID).Warn("failed to queue top-up")
			continue
		}
		log.WithFields(log.Fields{
			"account":       bal.AccountID,
			"balance_cents": bal.CreditsCents,
			"amount_cents":  req.AmountCents,
			"request":       req.ID,
		}).Info("auto top-up queued")
		created = append(created, req)
	}
	return created, nil
}

// Start runs Scan on schedule (a cron spec such as "@every 1m") until the
// returned stop function is called. Overlapping runs are skipped.
func (s *Scanner) Start(ctx context.Context, schedule string) (stop func(), err error) {
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err = c.AddFunc(schedule, func() {
		if _, err := s.Scan(ctx); err != nil {
			log.WithError(err).Error("top-up scan failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule top-up scan %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
