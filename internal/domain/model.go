// Package domain contains the pure business types of the consultation
// engine: sessions, ledger entries, and expert availability. It imports no
// infrastructure.
package domain

import (
	"strings"
	"time"

	"github.com/expertline/expertline/internal/id"
)

// ─── Accounts ───────────────────────────────────────────────────────────────

// User is a token-holding account. Callers spend from Balance; an expert's
// claimed earnings land in the Balance of its backing user.
type User struct {
	ID        id.ID     `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Expert is a user who can be called at a fixed per-minute rate.
type Expert struct {
	ID            id.ID     `json:"id"`
	UserID        id.ID     `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	RatePerMinute int64     `json:"rate_per_minute"`
	Approved      bool      `json:"approved"`
	Unclaimed     int64     `json:"unclaimed"`
	RatingCount   int64     `json:"rating_count"`
	RatingSum     int64     `json:"rating_sum"`
	CreatedAt     time.Time `json:"created_at"`
}

// AverageRating is the mean rating, or 0 when unrated.
func (e *Expert) AverageRating() float64 {
	if e.RatingCount == 0 {
		return 0
	}
	return float64(e.RatingSum) / float64(e.RatingCount)
}

// NewUser validates and builds a user with an opening balance.
func NewUser(name string, balance int64, now time.Time) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Invalid("name", "must not be empty")
	}
	if balance < 0 {
		return nil, Invalid("balance", "must not be negative")
	}
	return &User{ID: id.NewUser(), Name: name, Balance: balance, CreatedAt: now}, nil
}

// NewExpert validates and builds an unapproved expert profile for userID.
func NewExpert(userID id.ID, displayName string, rate int64, now time.Time) (*Expert, error) {
	if userID.IsNil() {
		return nil, Invalid("user_id", "required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, Invalid("display_name", "must not be empty")
	}
	if rate <= 0 {
		return nil, Invalid("rate_per_minute", "must be positive")
	}
	return &Expert{
		ID:            id.NewExpert(),
		UserID:        userID,
		DisplayName:   displayName,
		RatePerMinute: rate,
		CreatedAt:     now,
	}, nil
}

// ValidateRating checks a post-call rating.
func ValidateRating(rating int, review string) error {
	if rating < 1 || rating > 5 {
		return Invalid("rating", "must be between 1 and 5")
	}
	if len(review) > 2000 {
		return Invalid("review", "must be at most 2000 bytes")
	}
	return nil
}
