package model

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID        int64
	Username  string
	Token     string
	IsAdmin   bool
	IsActive  bool
	CreatedAt time.Time
}

// NewToken returns a fresh API token.
func NewToken() string {
	return uuid.NewString()
}
