// Package account implements the pool of host-hosting-provider
// accounts Flasharr leases sessions and quota from (C2 of the core
// design).
package account

import "time"

// Tier is an account's service level with the host.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Account is the durable record of one pooled host account.
type Account struct {
	Email              string    `json:"email"`
	Tier               Tier      `json:"tier"`
	SecretBlob         []byte    `json:"secret_blob"`
	SessionToken       string    `json:"session_token,omitempty"`
	SessionExpiresAt   time.Time `json:"session_expires_at,omitempty"`
	DailyQuotaBytes    int64     `json:"daily_quota_bytes"`
	DailyUsedBytes     int64     `json:"daily_used_bytes"`
	QuotaResetAt       time.Time `json:"quota_reset_at"`
	Timezone           string    `json:"timezone"`
	InFlightLeases     int       `json:"in_flight_leases"`
	Disabled           bool      `json:"disabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RemainingBytes returns how much quota is left in the current window.
func (a *Account) RemainingBytes() int64 {
	remaining := a.DailyQuotaBytes - a.DailyUsedBytes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Eligible reports whether the account can accept a new lease of the
// requested size right now.
func (a *Account) Eligible(requestBytes int64) bool {
	return !a.Disabled && a.RemainingBytes() >= requestBytes
}

// Status is the read-only wire shape for an account.
type Status struct {
	Email           string    `json:"email"`
	Tier            Tier      `json:"tier"`
	DailyQuotaBytes int64     `json:"daily_quota_bytes"`
	DailyUsedBytes  int64     `json:"daily_used_bytes"`
	RemainingBytes  int64     `json:"remaining_bytes"`
	QuotaResetAt    time.Time `json:"quota_reset_at"`
	InFlightLeases  int       `json:"in_flight_leases"`
	Disabled        bool      `json:"disabled"`
}

// ToStatus renders the account as its wire-facing status.
func (a *Account) ToStatus() Status {
	return Status{
		Email:           a.Email,
		Tier:            a.Tier,
		DailyQuotaBytes: a.DailyQuotaBytes,
		DailyUsedBytes:  a.DailyUsedBytes,
		RemainingBytes:  a.RemainingBytes(),
		QuotaResetAt:    a.QuotaResetAt,
		InFlightLeases:  a.InFlightLeases,
		Disabled:        a.Disabled,
	}
}

// Lease represents a granted right to consume quota and a session
// against one account for the lifetime of a transfer.
type Lease struct {
	ID           string `json:"id"`
	AccountEmail string `json:"account_email"`
	SessionToken string `json:"session_token"`
}
