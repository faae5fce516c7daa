package core

import (
	"time"
)

// Batch lifecycle statuses.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partially_completed"
	BatchFailed     = "failed"
)

// Item statuses.
const (
	ItemPending = "pending"
	ItemSent    = "sent"
	ItemFailed  = "failed"
)

// Session statuses.
const (
	SessionActive   = "active"
	SessionInactive = "inactive"
)

// Allowance statuses.
const (
	AllowanceActive    = "active"
	AllowanceExpired   = "expired"
	AllowanceCancelled = "cancelled"
)

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Payload is what gets delivered to each recipient. Text is rendered once at
// admission; the optional media/button parts pass through to the transport.
type Payload struct {
	Text        string  `json:"text"`
	MediaURL    *string `json:"media_url,omitempty"`
	ButtonTitle *string `json:"button_title,omitempty"`
	ButtonURL   *string `json:"button_url,omitempty"`
}

// Pacing is the per-send delay policy for a batch: base + uniform(0, jitter)
// drawn before every attempt, retries included.
type Pacing struct {
	Base   time.Duration `json:"base_delay_ms"`
	Jitter time.Duration `json:"jitter_ms"`
}

type Batch struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Payload          Payload    `json:"payload"`
	Pacing           Pacing     `json:"pacing"`
	Status           string     `json:"status"`
	TotalItems       int        `json:"total_items"`
	SentCount        int        `json:"sent_count"`
	FailedCount      int        `json:"failed_count"`
	FailedRecipients []string   `json:"failed_recipients"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type Item struct {
	BatchID     string    `json:"batch_id"`
	Recipient   string    `json:"recipient"`
	Status      string    `json:"status"`
	SessionID   *string   `json:"session_id,omitempty"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Session struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	Shareable bool      `json:"shareable"`
	CreatedAt time.Time `json:"created_at"`
}

type Allowance struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      string    `json:"status"`
}
