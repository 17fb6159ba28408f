package pendingrepo

import (
	"time"

	"github.com/jrsteele09/tg-chat-gateway/identity"
)

// Status of an outstanding handshake.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Result is what a resolved handshake hands to the web client.
type Result struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Identity  *identity.Identity `json:"identity"`
}

type PendingAuth struct {
	Code      string
	CreatedAt time.Time
	Status    Status
	Result    *Result
}

func (p *PendingAuth) Expired(now time.Time, timeout time.Duration) bool {
	return !now.Before(p.CreatedAt.Add(timeout))
}

// Repo is the registry of outstanding handshakes. The in-memory implementation
// is the default; a shared store can replace it behind the same interface.
type Repo interface {
	Put(pending *PendingAuth) error
	Get(code string) (*PendingAuth, error)
	Remove(code string) error
	Count() int
}
