package models

import "time"

// RateLimitEntry is the fixed-window counter for one (ActionClass, Key).
// BlockedUntil is zero when the key is not blocked.
type RateLimitEntry struct {
	ActionClass  string    `json:"action_class"`
	Key          string    `json:"key"`
	WindowStart  time.Time `json:"window_start"`
	Count        int       `json:"count"`
	BlockedUntil time.Time `json:"blocked_until"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (e RateLimitEntry) Blocked(now time.Time) bool {
	return !e.BlockedUntil.IsZero() && now.Before(e.BlockedUntil)
}
