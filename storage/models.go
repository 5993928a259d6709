package storage

import (
	"time"

	"github.com/google/uuid"
)

// Persona defaults applied when a challenge is created without explicit sampling settings.
const (
	DefaultModel            = "gpt-4o-mini"
	DefaultTemperature      = 0.9
	DefaultMaxTokens        = 1024
	DefaultFrequencyPenalty = 0.75
	DefaultPresencePenalty  = 0.75
)

// attemptLedgerID is the primary key of the singleton attempt ledger row.
const attemptLedgerID = 1

// Persona is the responder identity and sampling configuration of a challenge.
type Persona struct {
	Name             string  `gorm:"size:128;not null" json:"name"`
	SystemPrompt     string  `gorm:"type:text;not null" json:"systemPrompt"`
	Model            string  `gorm:"size:64;not null" json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	FrequencyPenalty float64 `json:"frequencyPenalty"`
	PresencePenalty  float64 `json:"presencePenalty"`
}

// Challenge is only read by the admission pipeline; the admin API creates and extends it.
type Challenge struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string    `gorm:"size:200;not null;index" json:"title"`
	Description string    `gorm:"type:text;not null" json:"description"`
	IsActive    bool      `gorm:"not null;index" json:"isActive"`
	StartDate   time.Time `gorm:"not null" json:"startDate"`
	EndDate     time.Time `gorm:"not null" json:"endDate"`
	Persona     Persona   `gorm:"embedded;embeddedPrefix:agent_" json:"agent"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is one entry of the append-only conversation log. TransactionSignature is
// set only on paid user messages; the unique index ignores NULLs, so responder
// replies never collide.
type Message struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChallengeID          uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_thread,priority:1" json:"challengeId"`
	Sender               string    `gorm:"size:64;not null;index:idx_messages_thread,priority:2" json:"sender"`
	Content              string    `gorm:"type:text;not null" json:"content"`
	ContentHash          string    `gorm:"size:64;not null" json:"hash"`
	TransactionSignature *string   `gorm:"size:128;uniqueIndex" json:"transactionSignature,omitempty"`
	ReplyTo              *string   `gorm:"size:64;index" json:"replyTo,omitempty"`
	Timestamp            time.Time `gorm:"not null;index" json:"timestamp"`
}

// AttemptLedger is the singleton row holding the attempt counter and live pricing.
type AttemptLedger struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement:false" json:"-"`
	TotalAttempts       int64     `gorm:"not null;default:0" json:"totalAttempts"`
	CostPerAttempt      float64   `gorm:"not null" json:"costPerAttempt"`
	TokenCostPerAttempt float64   `gorm:"not null" json:"tokenCostPerAttempt"`
	ContractAddress     string    `gorm:"size:64;not null" json:"contractAddress"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// AttemptDefaults seeds AttemptLedger on first read.
type AttemptDefaults struct {
	CostPerAttempt      float64
	TokenCostPerAttempt float64
	ContractAddress     string
}

// PricingUpdate changes live pricing; nil fields are left untouched.
type PricingUpdate struct {
	CostPerAttempt      *float64 `json:"costPerAttempt" validate:"omitempty,gte=0"`
	TokenCostPerAttempt *float64 `json:"tokenCostPerAttempt" validate:"omitempty,gte=0"`
	ContractAddress     *string  `json:"contractAddress" validate:"omitempty,min=32,max=44"`
}

// ApplyDefaults fills Model and MaxTokens when unset. Sampling floats are left alone
// because zero is a legitimate value there.
func (p *Persona) ApplyDefaults() {
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
}
