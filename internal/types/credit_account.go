package types

import (
	"time"

	"github.com/google/uuid"
)

// OrgCreditAccount tracks an organization's credit balance, the amount
// currently held by reservations, and month-to-date spend against the cap.
type OrgCreditAccount struct {
	OrganizationID uuid.UUID `gorm:"type:uuid;primaryKey" json:"organization_id"`
	Balance        float64   `gorm:"column:balance;not null;default:0" json:"balance"`
	Reserved       float64   `gorm:"column:reserved;not null;default:0" json:"reserved"`
	MonthlySpend   float64   `gorm:"column:monthly_spend;not null;default:0" json:"monthly_spend"`
	MonthlyCap     float64   `gorm:"column:monthly_cap;not null;default:0" json:"monthly_cap"`
	SpendMonth     string    `gorm:"column:spend_month" json:"spend_month"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (OrgCreditAccount) TableName() string { return "org_credit_account" }
