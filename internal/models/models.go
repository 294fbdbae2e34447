package models

import (
	"time"
)

// PurchaseStatus is the lifecycle state of a purchase. Purchases start
// pending and move to paid on payment confirmation, or to expired when
// no confirmation arrives within the configured TTL.
type PurchaseStatus string

const (
	PurchasePending PurchaseStatus = "pending"
	PurchasePaid    PurchaseStatus = "paid"
	PurchaseExpired PurchaseStatus = "expired"
)

// RaffleStatus is the lifecycle state of a raffle.
type RaffleStatus string

const (
	RaffleActive RaffleStatus = "active"
	RaffleClosed RaffleStatus = "closed"
)

// User represents a Telegram user, created lazily on first interaction
type User struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Certificate is a catalog item: a voucher for an AI consultation
type Certificate struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       int64  `json:"price"` // minor currency units
	AIPrompt    string `json:"-"`     // consultation system prompt, never exposed to clients
	ImageURL    string `json:"image_url,omitempty"`
	Active      bool   `json:"active"`
}

// Purchase links a user to a certificate. Amount is snapshotted from the
// certificate price at creation time and never changes afterwards.
type Purchase struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	CertificateID int64          `json:"certificate_id"`
	Amount        int64          `json:"amount"`
	Status        PurchaseStatus `json:"status"`
	PaymentRef    string         `json:"payment_ref,omitempty"`
	QRCode        string         `json:"qr_code,omitempty"` // base64 PNG, issued on payment
	CreatedAt     time.Time      `json:"created_at"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`

	// Virtual field (joined)
	CertificateTitle string `json:"certificate_title,omitempty"`
}

// Raffle is a time-bounded giveaway of a certificate
type Raffle struct {
	ID            int64        `json:"id"`
	CertificateID int64        `json:"certificate_id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        RaffleStatus `json:"status"`
	WinnerID      *int64       `json:"winner_id,omitempty"`
	EndsAt        time.Time    `json:"ends_at"`
	CreatedAt     time.Time    `json:"created_at"`

	// Virtual field (calculated)
	EntryCount int `json:"entries_count"`
}

// RaffleEntry records participation; one per (raffle, user)
type RaffleEntry struct {
	ID        int64     `json:"id"`
	RaffleID  int64     `json:"raffle_id"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CharityOption is a charity allocation users vote on
type CharityOption struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url,omitempty"`
	Votes       int    `json:"votes"`
	Active      bool   `json:"-"`

	// Virtual field (calculated from live counts)
	Percentage float64 `json:"percentage"`
}
