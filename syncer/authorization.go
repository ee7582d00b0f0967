package syncer

import (
	"time"

	"hunch-copytrader/models"

	"github.com/shopspring/decimal"
)

// Decision is the outcome of the authorization gate
type Decision struct {
	Proceed    bool
	SkipReason models.SkipReason
}

func deny(reason models.SkipReason) Decision {
	return Decision{SkipReason: reason}
}

// CanExecute reports whether a follower's authorization allows copying now.
// It has no side effects.
func CanExecute(auth *models.CopyAuthorization, now time.Time) Decision {
	if auth == nil {
		return deny(models.SkipNoCopySettings)
	}
	if !auth.Enabled || auth.AmountPerTrade.LessThanOrEqual(decimal.Zero) {
		return deny(models.SkipDisabled)
	}
	if auth.ExpiresAt != nil && !auth.ExpiresAt.After(now) {
		return deny(models.SkipExpired)
	}
	if !auth.DelegationGranted {
		return deny(models.SkipNoDelegation)
	}
	return Decision{Proceed: true}
}
