// Package usage decides whether a chat request fits the user's daily quota.
package usage

// DefaultDailyQuota is the number of messages a free user may send per UTC day.
const DefaultDailyQuota = 100

// ReasonQuotaExceeded is reported when a free user has used up the day's quota.
const ReasonQuotaExceeded = "quota_exceeded"

// Request carries the facts the policy needs. It is built by the caller from
// the entitlement and message stores.
type Request struct {
	UserID     string
	Premium    bool
	UsedToday  int
	DailyQuota int
}

// Decision is the outcome of Decide. Reason is empty when Allowed is true.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the decision for an accepted request.
func Allow() Decision { return Decision{Allowed: true} }

// Deny is the decision for a rejected request.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Decide allows premium users unconditionally and free users while they are
// below the daily quota. A non-positive quota falls back to DefaultDailyQuota.
func Decide(req Request) Decision {
	if req.Premium {
		return Allow()
	}
	quota := req.DailyQuota
	if quota <= 0 {
		quota = DefaultDailyQuota
	}
	if req.UsedToday < quota {
		return Allow()
	}
	return Deny(ReasonQuotaExceeded)
}
