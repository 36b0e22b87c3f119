package models

import "time"

// OTPChallenge is the live challenge for one phone. Only the bcrypt hash of
// the code is stored.
type OTPChallenge struct {
	CodeHash  string    `json:"code_hash"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTL returns the lifetime the challenge was created with.
func (c OTPChallenge) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.CreatedAt)
}
