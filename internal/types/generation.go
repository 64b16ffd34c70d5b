package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type GenerationType string

const (
	GenerationTypeText     GenerationType = "text"
	GenerationTypeImage    GenerationType = "image"
	GenerationTypeVideo    GenerationType = "video"
	GenerationTypeAudio    GenerationType = "audio"
	GenerationTypeSpeech   GenerationType = "speech"
	GenerationTypeMusic    GenerationType = "music"
	GenerationType3D       GenerationType = "3d"
	GenerationTypeAvatar   GenerationType = "avatar"
	GenerationTypeCode     GenerationType = "code"
	GenerationTypeDocument GenerationType = "document"
)

func (t GenerationType) Valid() bool {
	switch t {
	case GenerationTypeText, GenerationTypeImage, GenerationTypeVideo,
		GenerationTypeAudio, GenerationTypeSpeech, GenerationTypeMusic,
		GenerationType3D, GenerationTypeAvatar, GenerationTypeCode,
		GenerationTypeDocument:
		return true
	}
	return false
}

type GenerationStatus string

const (
	GenerationStatusQueued     GenerationStatus = "queued"
	GenerationStatusProcessing GenerationStatus = "processing"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
	GenerationStatusCancelled  GenerationStatus = "cancelled"
)

// GenerationOutput describes one artifact produced by a provider. URL points
// at platform storage once the generation completes; provider-hosted URLs
// never leak past processing.
type GenerationOutput struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Format   string         `json:"format,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Generation is the unit of billable work requested by a tenant.
// IdempotencyKey is unique per organization: a second request carrying the
// same key returns the existing row instead of creating a new one.
type Generation struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID uuid.UUID        `gorm:"type:uuid;not null;index;uniqueIndex:idx_generation_org_idem" json:"organization_id"`
	UserID         uuid.UUID        `gorm:"type:uuid;not null;index" json:"user_id"`
	Type           GenerationType   `gorm:"column:type;not null;index" json:"type"`
	Status         GenerationStatus `gorm:"column:status;not null;index" json:"status"`
	Prompt         string           `gorm:"column:prompt;not null" json:"prompt"`
	Provider       string           `gorm:"column:provider;index" json:"provider,omitempty"`
	IdempotencyKey string           `gorm:"column:idempotency_key;not null;uniqueIndex:idx_generation_org_idem" json:"idempotency_key"`
	EstimatedCost  float64          `gorm:"column:estimated_cost" json:"estimated_cost"`
	Cost           float64          `gorm:"column:cost" json:"cost"`
	CreditsUsed    float64          `gorm:"column:credits_used" json:"credits_used"`
	Outputs        datatypes.JSON   `gorm:"column:outputs;type:jsonb" json:"outputs,omitempty"`
	Error          string           `gorm:"column:error" json:"error,omitempty"`
	CallbackURL    string           `gorm:"column:callback_url" json:"callback_url,omitempty"`
	Metadata       datatypes.JSON   `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time        `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"not null" json:"updated_at"`
	CompletedAt    *time.Time       `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Generation) TableName() string { return "generation" }

// Terminal reports whether the status admits no further transitions.
func (g *Generation) Terminal() bool {
	switch g.Status {
	case GenerationStatusCompleted, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	}
	return false
}
