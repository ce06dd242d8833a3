package models

import "time"

// User is the directory row resolved from a verified phone hash.
type User struct {
	UserBucket     int       `db:"user_bucket"`
	UserID         string    `db:"user_id"`
	PhoneHash      string    `db:"phone_hash"`
	PhoneEncrypted string    `db:"phone_encrypted"`
	PhoneKeyID     string    `db:"phone_key_id"`
	IsVerified     bool      `db:"is_verified"`
	CreatedAt      time.Time `db:"created_at"`
	LastLogin      time.Time `db:"last_login"`
}
