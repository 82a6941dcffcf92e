package models

import "time"

// Entitlement is the premium state of a user. A user without a stored
// entitlement is not premium.
type Entitlement struct {
	UserID    string     `json:"user_id"`
	IsPremium bool       `json:"is_premium"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the entitlement grants premium at now. An expiry in
// the past revokes premium lazily; a nil expiry never expires.
func (e *Entitlement) Active(now time.Time) bool {
	if e == nil || !e.IsPremium {
		return false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return true
}
