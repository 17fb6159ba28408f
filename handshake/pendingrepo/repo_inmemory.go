package pendingrepo

import (
	"errors"
	"sync"

	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu      sync.RWMutex
	pending map[string]*PendingAuth
}

// NewInMemoryRepo creates a new in-memory handshake registry
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		pending: make(map[string]*PendingAuth),
	}
}

// Put stores or replaces a handshake entry
func (r *InMemoryRepo) Put(pending *PendingAuth) error {
	if pending == nil {
		return errors.New("pending cannot be nil")
	}
	if pending.Code == "" {
		return errors.New("code cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modifications
	r.pending[pending.Code] = copyPending(pending)
	return nil
}

// Get retrieves a handshake entry by code
func (r *InMemoryRepo) Get(code string) (*PendingAuth, error) {
	if code == "" {
		return nil, apperrors.ErrHandshakeNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pending, exists := r.pending[code]
	if !exists {
		return nil, apperrors.ErrHandshakeNotFound
	}
	return copyPending(pending), nil
}

// Remove deletes a handshake entry; removing an unknown code is not an error
func (r *InMemoryRepo) Remove(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, code)
	return nil
}

func (r *InMemoryRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func copyPending(p *PendingAuth) *PendingAuth {
	c := *p
	if p.Result != nil {
		result := *p.Result
		result.Identity = p.Result.Identity.Clone()
		c.Result = &result
	}
	return &c
}
