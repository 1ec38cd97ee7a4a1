// Package store persists the small key-value state the bridge owns: the API
// credential and a handful of miscellaneous keys written by collaborators.
package store

import (
	"time"
)

// Credential is the persisted API token. ExpiresAt is epoch milliseconds;
// zero means no expiry was recorded.
type Credential struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Valid reports whether the credential is usable at the given instant.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	if c.ExpiresAt == 0 {
		return true
	}
	return c.ExpiresAt > now.UnixMilli()
}

// Store abstracts the persistent key-value state so flows can be tested
// without touching disk.
type Store interface {
	SetToken(token string, expiresAt int64) error
	ClearToken() error
	// GetToken returns the credential and true only while it is valid at now.
	GetToken(now time.Time) (*Credential, bool)

	LatestProductID() (string, bool)
	SetLatestProductID(id string) error
	ClearLatestProductID() error
}
