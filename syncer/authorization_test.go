package syncer

import (
	"testing"
	"time"

	"hunch-copytrader/models"

	"github.com/shopspring/decimal"
)

func TestCanExecute(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	valid := func() *models.CopyAuthorization {
		return &models.CopyAuthorization{
			FollowerID:        "follower-1",
			LeaderID:          "leader-1",
			AmountPerTrade:    decimal.NewFromInt(50),
			MaxTotalAmount:    decimal.NewFromInt(100),
			Enabled:           true,
			DelegationGranted: true,
		}
	}

	tests := []struct {
		name   string
		auth   func() *models.CopyAuthorization
		want   bool
		reason models.SkipReason
	}{
		{"no settings", func() *models.CopyAuthorization { return nil }, false, models.SkipNoCopySettings},
		{"valid without expiry", valid, true, ""},
		{"valid with future expiry", func() *models.CopyAuthorization {
			a := valid()
			a.ExpiresAt = &future
			return a
		}, true, ""},
		{"disabled", func() *models.CopyAuthorization {
			a := valid()
			a.Enabled = false
			return a
		}, false, models.SkipDisabled},
		{"zero amount per trade", func() *models.CopyAuthorization {
			a := valid()
			a.AmountPerTrade = decimal.Zero
			return a
		}, false, models.SkipDisabled},
		{"expired", func() *models.CopyAuthorization {
			a := valid()
			a.ExpiresAt = &past
			return a
		}, false, models.SkipExpired},
		{"expires exactly now", func() *models.CopyAuthorization {
			a := valid()
			a.ExpiresAt = &now
			return a
		}, false, models.SkipExpired},
		{"disabled wins over expired", func() *models.CopyAuthorization {
			a := valid()
			a.Enabled = false
			a.ExpiresAt = &past
			return a
		}, false, models.SkipDisabled},
		{"no delegation", func() *models.CopyAuthorization {
			a := valid()
			a.DelegationGranted = false
			return a
		}, false, models.SkipNoDelegation},
		{"exhausted budget still passes the gate", func() *models.CopyAuthorization {
			a := valid()
			a.UsedAmount = a.MaxTotalAmount
			return a
		}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanExecute(tt.auth(), now)
			if got.Proceed != tt.want {
				t.Errorf("Proceed = %v, want %v", got.Proceed, tt.want)
			}
			if got.SkipReason != tt.reason {
				t.Errorf("SkipReason = %q, want %q", got.SkipReason, tt.reason)
			}
		})
	}
}
