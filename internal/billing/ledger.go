package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

var (
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrMonthlyCapReached   = errors.New("monthly spend cap reached")
	ErrNoAccount           = errors.New("no credit account for organization")
)

// ledger is the gorm-backed credit ledger. Balance never includes reserved
// amounts: available = balance - reserved. Monthly spend resets lazily when
// the month rolls over.
type ledger struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLedger(db *gorm.DB, baseLog *logger.Logger) Service {
	return &ledger{
		db:  db,
		log: baseLog.With("service", "CreditLedger"),
	}
}

func currentMonth() string { return time.Now().Format("2006-01") }

func (l *ledger) account(ctx context.Context, tx *gorm.DB, orgID uuid.UUID) (*types.OrgCreditAccount, error) {
	var acct types.OrgCreditAccount
	err := tx.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Limit(1).
		Find(&acct).Error
	if err != nil {
		return nil, err
	}
	if acct.OrganizationID == uuid.Nil {
		return nil, ErrNoAccount
	}
	// Lazy month rollover.
	if acct.SpendMonth != currentMonth() {
		acct.SpendMonth = currentMonth()
		acct.MonthlySpend = 0
		if err := tx.WithContext(ctx).
			Model(&types.OrgCreditAccount{}).
			Where("organization_id = ?", orgID).
			Updates(map[string]interface{}{
				"spend_month":   acct.SpendMonth,
				"monthly_spend": 0,
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return nil, err
		}
	}
	return &acct, nil
}

func (l *ledger) CheckGenerationLimits(ctx context.Context, orgID uuid.UUID, generationType string, provider string) (LimitDecision, error) {
	acct, err := l.account(ctx, l.db, orgID)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return LimitDecision{Allowed: false, Reason: "no credit account"}, nil
		}
		return LimitDecision{}, err
	}
	if acct.Balance-acct.Reserved <= 0 {
		return LimitDecision{Allowed: false, Reason: "insufficient credit balance"}, nil
	}
	if acct.MonthlyCap > 0 && acct.MonthlySpend >= acct.MonthlyCap {
		return LimitDecision{Allowed: false, Reason: "monthly spend cap reached"}, nil
	}
	return LimitDecision{Allowed: true}, nil
}

func (l *ledger) ReserveCredits(ctx context.Context, orgID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := l.account(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if acct.Balance-acct.Reserved < amount {
			return ErrInsufficientBalance
		}
		if acct.MonthlyCap > 0 && acct.MonthlySpend+amount > acct.MonthlyCap {
			return ErrMonthlyCapReached
		}
		return tx.WithContext(ctx).
			Model(&types.OrgCreditAccount{}).
			Where("organization_id = ?", orgID).
			Updates(map[string]interface{}{
				"reserved":   gorm.Expr("reserved + ?", amount),
				"updated_at": time.Now(),
			}).Error
	})
}

func (l *ledger) ReleaseReservedCredits(ctx context.Context, orgID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	res := l.db.WithContext(ctx).
		Model(&types.OrgCreditAccount{}).
		Where("organization_id = ? AND reserved >= ?", orgID, amount).
		Updates(map[string]interface{}{
			"reserved":   gorm.Expr("reserved - ?", amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release %.4f credits for org %s: reservation not found", amount, orgID)
	}
	return nil
}

// ChargeCredits converts a reservation into a debit for the actual amount.
// The reserved hold is dropped in full even when actual differs from it.
func (l *ledger) ChargeCredits(ctx context.Context, orgID uuid.UUID, reserved float64, actual float64, description string) error {
	if actual < 0 {
		return fmt.Errorf("negative charge amount %.4f", actual)
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := l.account(ctx, tx, orgID)
		if err != nil {
			return err
		}
		newReserved := acct.Reserved - reserved
		if newReserved < 0 {
			newReserved = 0
		}
		return tx.WithContext(ctx).
			Model(&types.OrgCreditAccount{}).
			Where("organization_id = ?", orgID).
			Updates(map[string]interface{}{
				"balance":       gorm.Expr("balance - ?", actual),
				"reserved":      newReserved,
				"monthly_spend": gorm.Expr("monthly_spend + ?", actual),
				"updated_at":    time.Now(),
			}).Error
	})
	if err != nil {
		return err
	}
	l.log.Info("Credits charged",
		"organization_id", orgID,
		"amount", actual,
		"description", description,
	)
	return nil
}
